package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes sets GOMAXPROCS to the container CPU quota.
// Call it at the very start of main, before LoadConfig. The returned function
// restores the previous value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Debug("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
