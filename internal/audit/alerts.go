package audit

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/models"
)

// EmailSender sends plain-text mail.
type EmailSender interface {
	SendText(ctx context.Context, to, subject, body string) (string, error)
}

// AnomalyMailer mails the review address whenever a download was served to a
// client whose fingerprint differs from the one the token was issued to.
type AnomalyMailer struct {
	sender EmailSender
	to     string
	logger logger.Logger
}

func NewAnomalyMailer(sender EmailSender, reviewAddress string, log logger.Logger) *AnomalyMailer {
	return &AnomalyMailer{sender: sender, to: reviewAddress, logger: log}
}

func (m *AnomalyMailer) Record(ctx context.Context, ev models.DownloadEvent) error {
	if !ev.Anomalous {
		return nil
	}

	subject := fmt.Sprintf("Download link used from a different client: %s", ev.ProductID)
	var b strings.Builder
	fmt.Fprintf(&b, "A download token was redeemed by a client that differs from the one it was issued to.\n\n")
	fmt.Fprintf(&b, "Principal:  %s\n", ev.PrincipalID)
	fmt.Fprintf(&b, "Product:    %s\n", ev.ProductID)
	fmt.Fprintf(&b, "File:       %s\n", ev.FileKey)
	fmt.Fprintf(&b, "Token:      %s\n", shortDigest(ev.TokenID))
	fmt.Fprintf(&b, "When:       %s\n", ev.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Client IP:  %s\n", ev.ClientIP)
	fmt.Fprintf(&b, "User agent: %s\n", ev.UserAgent)

	id, err := m.sender.SendText(ctx, m.to, subject, b.String())
	if err != nil {
		return fmt.Errorf("send anomaly review mail: %w", err)
	}
	m.logger.Info("anomaly review mail sent", map[string]interface{}{
		"eventId":   ev.ID,
		"messageId": id,
	})
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// Publisher publishes a JSON document tagged with an event type.
type Publisher interface {
	PublishJSON(ctx context.Context, eventType string, v interface{}) (string, error)
}

// PassNotice is the lifecycle message subscribers receive.
type PassNotice struct {
	EventType         models.PassEventType `json:"eventType"`
	PassID            string               `json:"passId"`
	PrincipalID       string               `json:"principalId"`
	PassType          models.PassType      `json:"passType"`
	Status            models.PassStatus    `json:"status"`
	PeriodEnd         *time.Time           `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool                 `json:"cancelAtPeriodEnd"`
	At                time.Time            `json:"at"`
}

// PassNotifier publishes access pass lifecycle changes.
type PassNotifier struct {
	publisher Publisher
}

func NewPassNotifier(publisher Publisher) *PassNotifier {
	return &PassNotifier{publisher: publisher}
}

func (n *PassNotifier) NotifyPass(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) error {
	_, err := n.publisher.PublishJSON(ctx, string(eventType), PassNotice{
		EventType:         eventType,
		PassID:            pass.ID,
		PrincipalID:       pass.PrincipalID,
		PassType:          pass.Type,
		Status:            pass.Status,
		PeriodEnd:         pass.PeriodEnd,
		CancelAtPeriodEnd: pass.CancelAtPeriodEnd,
		At:                pass.UpdatedAt,
	})
	return err
}

// MessagePublisher publishes correlated workflow messages.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, name, correlationKey, messageID string, variables interface{}) error
}

// ProcessNotifier forwards pass lifecycle changes to running workflow instances,
// correlated by pass id.
type ProcessNotifier struct {
	publisher MessagePublisher
}

func NewProcessNotifier(publisher MessagePublisher) *ProcessNotifier {
	return &ProcessNotifier{publisher: publisher}
}

func (n *ProcessNotifier) NotifyPass(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) error {
	messageID := fmt.Sprintf("%s:%s:%d", pass.ID, eventType, pass.UpdatedAt.UnixMilli())
	return n.publisher.PublishMessage(ctx, string(eventType), pass.ID, messageID, map[string]interface{}{
		"passId":      pass.ID,
		"principalId": pass.PrincipalID,
		"passStatus":  string(pass.Status),
	})
}

// Notifier is implemented by every pass notifier in this package.
type Notifier interface {
	NotifyPass(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) error
}

// Notifiers fans a pass change out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) NotifyPass(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) error {
	var errs []error
	for _, n := range ns {
		if err := n.NotifyPass(ctx, eventType, pass); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
