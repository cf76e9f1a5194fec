package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/report"
	"github.com/legiangthanh/embulk/pkg/state"
)

// TaskEntry is one partition or shard of a stored run.
type TaskEntry struct {
	Index   int               `json:"index"`
	Outcome state.Outcome     `json:"outcome"`
	Report  report.TaskReport `json:"report,omitempty"`
}

// ErrorEntry is one recorded task error of a stored run.
type ErrorEntry struct {
	Kind    string `json:"kind"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// RunReport is the persisted form of an execution result.
type RunReport struct {
	RunID      string       `json:"run_id"`
	Succeeded  bool         `json:"succeeded"`
	FinishedAt time.Time    `json:"finished_at"`
	Inputs     []TaskEntry  `json:"inputs"`
	Outputs    []TaskEntry  `json:"outputs"`
	Errors     []ErrorEntry `json:"errors,omitempty"`
}

// NewRunReport converts an execution result into its stored form.
func NewRunReport(runID string, res *state.ExecutionResult, finishedAt time.Time) *RunReport {
	entries := func(outcomes []state.Outcome, reports []report.TaskReport) []TaskEntry {
		out := make([]TaskEntry, len(outcomes))
		for i, o := range outcomes {
			out[i] = TaskEntry{Index: i, Outcome: o, Report: reports[i]}
		}
		return out
	}

	r := &RunReport{
		RunID:      runID,
		Succeeded:  res.Succeeded(),
		FinishedAt: finishedAt.UTC(),
		Inputs:     entries(res.InputOutcomes, res.InputReports),
		Outputs:    entries(res.OutputOutcomes, res.OutputReports),
	}
	for _, e := range res.Errors {
		r.Errors = append(r.Errors, ErrorEntry{Kind: string(e.Kind), Index: e.Index, Message: e.Err.Error()})
	}
	return r
}

// Resume seeds the next attempt with every task that has a committed report.
func (r *RunReport) Resume() state.Resume {
	collect := func(entries []TaskEntry) map[int]report.TaskReport {
		m := map[int]report.TaskReport{}
		for _, e := range entries {
			if e.Report != nil && (e.Outcome == state.OutcomeCommitted || e.Outcome == state.OutcomeSkipped) {
				m[e.Index] = e.Report
			}
		}
		return m
	}
	return state.Resume{InputReports: collect(r.Inputs), OutputReports: collect(r.Outputs)}
}

// ReportFileClient saves and loads run reports through a BlobStore.
type ReportFileClient struct {
	store  BlobStore
	logger *zap.Logger
}

// NewReportFileClient creates a report file client.
func NewReportFileClient(store BlobStore, logger *zap.Logger) (*ReportFileClient, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &ReportFileClient{store: store, logger: logger}, nil
}

// ReportFilePath returns the blob path of a job's report file. Attempts of the
// same job share one path so the last attempt seeds the next.
func ReportFilePath(jobID string) string {
	return fmt.Sprintf("runs/%s/report.json", jobID)
}

// Save uploads the report of the latest attempt of jobID.
func (c *ReportFileClient) Save(ctx context.Context, jobID string, r *RunReport) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}

	path := ReportFilePath(jobID)
	url, err := c.store.Upload(ctx, path, data, map[string]string{
		"job_id":    jobID,
		"run_id":    r.RunID,
		"succeeded": strconv.FormatBool(r.Succeeded),
		"outputs":   strconv.Itoa(len(r.Outputs)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run report: %w", err)
	}

	c.logger.Info("Saved run report",
		zap.String("job_id", jobID),
		zap.String("run_id", r.RunID),
		zap.Bool("succeeded", r.Succeeded),
		zap.Int("size_bytes", len(data)))
	return url, nil
}

// Load downloads the report of the latest attempt of jobID. The boolean is
// false when the job has never been run.
func (c *ReportFileClient) Load(ctx context.Context, jobID string) (*RunReport, bool, error) {
	data, err := c.store.Download(ctx, ReportFilePath(jobID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to download run report: %w", err)
	}

	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("failed to parse run report: %w", err)
	}
	return &r, true, nil
}

// LoadResume returns the resume seed for jobID, or an empty one when the job
// has no previous attempt.
func (c *ReportFileClient) LoadResume(ctx context.Context, jobID string) (state.Resume, error) {
	r, ok, err := c.Load(ctx, jobID)
	if err != nil || !ok {
		return state.Resume{}, err
	}
	resume := r.Resume()
	c.logger.Info("Resuming from previous attempt",
		zap.String("job_id", jobID),
		zap.String("previous_run_id", r.RunID),
		zap.Int("committed_inputs", len(resume.InputReports)),
		zap.Int("committed_outputs", len(resume.OutputReports)))
	return resume, nil
}
