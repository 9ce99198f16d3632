// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"time"

	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/observability"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"
)

// JobHandler must return an error (required by Zeebe client)
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job) error
}

// CamundaWorker is one job worker subscription. The zbc client is shared
// between workers and closed by its owner, not here.
type CamundaWorker struct {
	worker   worker.JobWorker
	logger   *zap.Logger
	taskType string
}

func NewWorker(
	client zbc.Client,
	taskType string,
	maxJobsActive int,
	timeout time.Duration,
	handler JobHandler,
	obs *observability.Observability,
	logger *zap.Logger,
) *CamundaWorker {
	jobWorker := client.NewJobWorker().
		JobType(taskType).
		Handler(func(client worker.JobClient, job entities.Job) {
			done := obs.JobStarted(context.Background(), taskType)
			start := time.Now()
			err := handler.Handle(client, job)
			elapsed := time.Since(start)
			done()

			metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
			status := "completed"
			if err != nil {
				// the handler already reported the failure to the broker
				status = "failed"
				logger.Error("Handler returned error", zap.Error(err), zap.Int64("jobKey", job.Key))
			}
			obs.RecordJob(context.Background(), taskType, status, elapsed)
		}).
		MaxJobsActive(maxJobsActive).
		Timeout(timeout).
		Open()

	return &CamundaWorker{
		worker:   jobWorker,
		logger:   logger,
		taskType: taskType,
	}
}

func (w *CamundaWorker) Start() {
	w.logger.Info("worker started", zap.String("taskType", w.taskType))
}

// Stop closes the subscription and waits for in-flight jobs.
func (w *CamundaWorker) Stop(ctx context.Context) {
	w.logger.Info("stopping worker", zap.String("taskType", w.taskType))
	w.worker.Close()

	done := make(chan struct{})
	go func() {
		w.worker.AwaitClose()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker did not drain before shutdown deadline", zap.String("taskType", w.taskType))
	}
}
