package orchestrator

import (
	"time"

	"go.uber.org/zap"
)

// reportProgress logs a stats line every ProgressInterval until the
// returned stop func is called.
func (o *Orchestrator) reportProgress(logger *zap.Logger) (stop func()) {
	if o.cfg.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(o.cfg.ProgressInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s := o.Stats()
				logger.Info("progress",
					zap.Int("completed", s.Completed+s.Skipped),
					zap.Int("total", s.Total),
					zap.Float64("percent", s.Percent),
					zap.Float64("success_rate", s.SuccessRate()),
					zap.Float64("rate_per_second", s.Rate),
					zap.Duration("eta", s.ETA.Round(time.Second)),
				)
			}
		}
	}()
	return func() { close(done) }
}
