package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeConnectionProbe is the task type for probing the auth backend.
	TaskTypeConnectionProbe = "conn:probe"
)

// ConnectionProber is the slice of the session manager the probe task needs.
type ConnectionProber interface {
	CheckServerConnection(ctx context.Context) bool
}

// ConnectionProbePayload identifies one probe run.
type ConnectionProbePayload struct {
	ProbeID string `json:"probe_id"`
}

// NewConnectionProbeTask constructs an Asynq task for one probe run.
func NewConnectionProbeTask() (*asynq.Task, error) {
	data, err := json.Marshal(ConnectionProbePayload{ProbeID: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeConnectionProbe, data), nil
}

// NewConnectionProbeHandler returns the handler for TaskTypeConnectionProbe.
// Each run refreshes the session's connection state so pages see backend
// outages without waiting for a user action.
func NewConnectionProbeHandler(prober ConnectionProber, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ConnectionProbePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		healthy := prober.CheckServerConnection(ctx)
		if logger != nil {
			logger.Debug("connection probe",
				slog.String("probe_id", payload.ProbeID),
				slog.Bool("healthy", healthy))
		}
		return nil
	}
}

// RunProbeLoop re-probes the backend on a fixed interval until ctx is
// cancelled. It is the in-process fallback when no job queue is configured;
// the prober must be the same manager the HTTP handlers serve, otherwise the
// refreshed state is invisible to pages.
func RunProbeLoop(ctx context.Context, prober ConnectionProber, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := prober.CheckServerConnection(ctx)
			if logger != nil {
				logger.Debug("connection probe", slog.Bool("healthy", healthy))
			}
		}
	}
}
