// internal/workers/entitlement/apply-pass-event/handler.go
package applypassevent

import (
	"context"
	"encoding/json"
	"fmt"

	"entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/validation"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "apply-pass-event"
)

// PassEventApplier applies one payment-provider event to its access pass.
type PassEventApplier interface {
	ApplyPassEvent(ctx context.Context, ev models.PassEvent) (entitlement.ApplyResult, error)
}

type Handler struct {
	config     *Config
	applier    PassEventApplier
	errHandler *errors.JobErrorHandler
	logger     logger.Logger
}

func NewHandler(config *Config, applier PassEventApplier, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		applier:    applier,
		errHandler: errors.NewJobErrorHandler(log),
		logger:     log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err == nil {
		var output *Output
		if output, err = h.Execute(ctx, input); err == nil {
			metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
			return h.completeJob(ctx, client, job, output)
		}
	}

	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
	h.errHandler.HandleJobError(ctx, client, job, err)
	return err
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	result, err := validation.Validate(validation.SchemaPassEvent, []byte(job.Variables))
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

// Execute applies the event and reports its outcome. Redelivered and stale events
// complete normally so the process does not retry them.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	res, err := h.applier.ApplyPassEvent(ctx, input.toEvent())
	if err != nil {
		return nil, err
	}

	output := &Output{
		Outcome: res.Outcome,
		Applied: res.Applied,
	}
	if res.Pass != nil {
		output.PassID = res.Pass.ID
		output.PassStatus = string(res.Pass.Status)
		output.PeriodEnd = res.Pass.PeriodEnd
	}

	h.logger.Info("pass event processed", map[string]interface{}{
		"eventId":   input.EventID,
		"eventType": input.EventType,
		"outcome":   res.Outcome,
	})
	return output, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	if _, err = cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	return nil
}
