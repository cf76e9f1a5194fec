// Package notify publishes a summary of each finished run on NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/state"
)

// JetStream is the subset of nats.JetStreamContext the notifier uses.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Counts tallies the outcomes of one side of the pipeline.
type Counts struct {
	Committed  int `json:"committed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Incomplete int `json:"incomplete"`
}

// Summary is the message published for a finished run.
type Summary struct {
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	Succeeded  bool      `json:"succeeded"`
	Inputs     Counts    `json:"inputs"`
	Outputs    Counts    `json:"outputs"`
	Errors     []string  `json:"errors,omitempty"`
	ReportURL  string    `json:"report_url,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewSummary builds the summary of res.
func NewSummary(jobID, runID string, res *state.ExecutionResult, reportURL string, finishedAt time.Time) *Summary {
	count := func(kind execerrors.TaskKind) Counts {
		return Counts{
			Committed:  res.Count(kind, state.OutcomeCommitted),
			Skipped:    res.Count(kind, state.OutcomeSkipped),
			Failed:     res.Count(kind, state.OutcomeFailed),
			Incomplete: res.Count(kind, state.OutcomeIncomplete),
		}
	}
	s := &Summary{
		JobID:      jobID,
		RunID:      runID,
		Succeeded:  res.Succeeded(),
		Inputs:     count(execerrors.TaskKindInput),
		Outputs:    count(execerrors.TaskKindOutput),
		ReportURL:  reportURL,
		FinishedAt: finishedAt.UTC(),
	}
	for _, e := range res.Errors {
		s.Errors = append(s.Errors, e.Error())
	}
	return s
}

// Config controls where and how summaries are published.
type Config struct {
	Stream     string
	Subject    string
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
}

// DefaultConfig publishes on embulk.runs with three attempts.
func DefaultConfig() Config {
	return Config{
		Stream:     "EMBULK_RUNS",
		Subject:    "embulk.runs",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Notifier publishes run summaries.
type Notifier struct {
	js     JetStream
	config Config
	logger *zap.Logger
}

// NewNotifier creates a notifier on js.
func NewNotifier(js JetStream, config Config, logger *zap.Logger) (*Notifier, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context cannot be nil")
	}
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	if config.Subject == "" {
		return nil, execerrors.InvalidConfig("notify subject cannot be empty")
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	return &Notifier{js: js, config: config, logger: logger}, nil
}

// EnsureStream creates the stream carrying the summary subject if it is missing.
func (n *Notifier) EnsureStream() error {
	if n.config.Stream == "" {
		return nil
	}
	_, err := n.js.StreamInfo(n.config.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", n.config.Stream, err)
	}

	n.logger.Info("Creating run summary stream",
		zap.String("stream", n.config.Stream),
		zap.String("subject", n.config.Subject))
	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     n.config.Stream,
		Subjects: []string{n.config.Subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", n.config.Stream, err)
	}
	return nil
}

// Publish sends s, retrying with a linear backoff until ctx is done or the
// attempts run out.
func (n *Notifier) Publish(ctx context.Context, s *Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	var publishErr error
	for attempt := 1; attempt <= n.config.MaxRetries; attempt++ {
		_, publishErr = n.js.Publish(n.config.Subject, data, nats.Context(ctx), nats.MsgId(s.RunID))
		if publishErr == nil {
			n.logger.Info("Published run summary",
				zap.String("run_id", s.RunID),
				zap.String("subject", n.config.Subject),
				zap.Bool("succeeded", s.Succeeded))
			return nil
		}
		if attempt == n.config.MaxRetries {
			break
		}

		n.logger.Warn("Failed to publish run summary, retrying",
			zap.String("run_id", s.RunID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", n.config.MaxRetries),
			zap.Error(publishErr))

		timer := time.NewTimer(time.Duration(attempt) * n.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return execerrors.Interrupted(ctx.Err())
		case <-timer.C:
		}
	}

	n.logger.Error("Failed to publish run summary after all retries",
		zap.String("run_id", s.RunID),
		zap.Int("attempts", n.config.MaxRetries),
		zap.Error(publishErr))
	return fmt.Errorf("failed to publish run summary: %w", publishErr)
}
