package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeProcs sets GOMAXPROCS from the container CPU quota.
// This should be called at the very start of main() before LoadConfig so the
// thread defaults follow the quota.
// Returns an undo function that restores the original GOMAXPROCS value
func InitializeProcs(logger *zap.Logger) func() {
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available
// This respects cgroup limits in containerized environments
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
