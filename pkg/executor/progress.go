package executor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/state"
)

// logProgress logs how many shards are finished and running.
func logProgress(logger *zap.Logger, st *state.ProcessState) {
	p := st.ProgressSnapshot()
	logger.Info(fmt.Sprintf("{done: %3d / %d, running: %d}", p.Done, p.Total, p.Running),
		zap.Int("done", p.Done),
		zap.Int("total", p.Total),
		zap.Int("running", p.Running),
	)
}
