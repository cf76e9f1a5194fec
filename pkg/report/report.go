// Package report defines TaskReport, the opaque result a stage hands back
// after a successful commit.
package report

const (
	// FilterKey holds nested filter reports on scatter shard reports.
	FilterKey = "filter"

	// FilteredKey holds nested filter reports on single pipeline output reports.
	FilteredKey = "filtered"
)

// TaskReport is an opaque key/value result of one committed task.
type TaskReport map[string]interface{}

// New returns an empty report.
func New() TaskReport {
	return TaskReport{}
}

// OrEmpty returns r, or an empty report when r is nil.
func OrEmpty(r TaskReport) TaskReport {
	if r == nil {
		return New()
	}
	return r
}

// Set stores a value and returns the report for chaining.
func (r TaskReport) Set(key string, value interface{}) TaskReport {
	r[key] = value
	return r
}

// Get returns the value stored under key.
func (r TaskReport) Get(key string) (interface{}, bool) {
	v, ok := r[key]
	return v, ok
}

// Merge copies every entry of other into a new report. Entries of other win.
func (r TaskReport) Merge(other TaskReport) TaskReport {
	merged := make(TaskReport, len(r)+len(other))
	for k, v := range r {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of the report.
func (r TaskReport) Clone() TaskReport {
	if r == nil {
		return nil
	}
	return r.Merge(nil)
}
