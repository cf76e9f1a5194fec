// Package alerting reports failed tasks of a run to Sentry.
package alerting

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/state"
)

// EnvDSN names the environment variable holding the Sentry DSN.
const EnvDSN = "EMBULK_SENTRY_DSN"

// Reporter captures task errors on its own hub, leaving the global hub alone.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewReporter creates a reporter from client options.
func NewReporter(opts sentry.ClientOptions, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

// FromEnv creates a reporter when EnvDSN is set. It returns nil, nil otherwise.
func FromEnv(environment, release string, logger *zap.Logger) (*Reporter, error) {
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		return nil, nil
	}
	return NewReporter(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}, logger)
}

// ReportResult captures one event per task error of res. Successful runs
// send nothing.
func (r *Reporter) ReportResult(jobID, runID string, res *state.ExecutionResult) {
	if r == nil || len(res.Errors) == 0 {
		return
	}
	for _, taskErr := range res.Errors {
		r.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("job_id", jobID)
			scope.SetTag("run_id", runID)
			scope.SetTag("task_kind", string(taskErr.Kind))
			scope.SetTag("task_index", strconv.Itoa(taskErr.Index))
			scope.SetFingerprint([]string{jobID, string(taskErr.Kind), strconv.Itoa(taskErr.Index)})
			r.hub.CaptureException(taskErr)
		})
	}
	r.logger.Info("Reported task errors",
		zap.String("run_id", runID),
		zap.Int("errors", len(res.Errors)))
}

// Flush waits up to timeout for queued events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
