// internal/workers/maintenance/purge-expired-tokens/handler.go
package purgeexpiredtokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "purge-expired-tokens"
)

// TokenPurger deletes tokens that expired before cutoff, at most batch per call.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// Handler removes long-expired download tokens. Token expiry is always checked
// at validation time, so this job only reclaims storage.
type Handler struct {
	config     *Config
	purger     TokenPurger
	errHandler *errors.JobErrorHandler
	logger     logger.Logger
	now        func() time.Time
}

func NewHandler(config *Config, purger TokenPurger, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		purger:     purger,
		errHandler: errors.NewJobErrorHandler(log),
		logger:     log,
		now:        time.Now,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if job.Variables != "" {
		if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
			err = errors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
			h.errHandler.HandleJobError(ctx, client, job, err)
			return err
		}
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
		h.errHandler.HandleJobError(ctx, client, job, err)
		return err
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err.Error()})
		return err
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

// Execute purges in batches until a short batch, the round limit or the deadline.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	retention := h.config.Retention
	if input != nil && input.RetentionHours > 0 {
		retention = time.Duration(input.RetentionHours) * time.Hour
	}
	cutoff := h.now().Add(-retention)

	out := &Output{Cutoff: cutoff.UTC().Format(time.RFC3339)}
	for round := 0; round < h.config.MaxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		n, err := h.purger.PurgeExpiredTokens(ctx, cutoff, h.config.BatchSize)
		if err != nil {
			if out.Purged > 0 {
				// keep what was reclaimed; the next run continues
				h.logger.Warn("purge stopped early", map[string]interface{}{"purged": out.Purged, "error": err.Error()})
				return out, nil
			}
			return nil, errors.NewUpstreamUnavailableError("entitlement-store", err)
		}
		out.Purged += n
		if n < int64(h.config.BatchSize) {
			out.Done = true
			break
		}
	}

	h.logger.Info("expired tokens purged", map[string]interface{}{
		"purged": out.Purged,
		"cutoff": out.Cutoff,
		"done":   out.Done,
	})
	return out, nil
}
