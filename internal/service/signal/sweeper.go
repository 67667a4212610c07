package signal

import (
	"context"
	"fmt"
	"time"

	"copyhub/internal/domain"
)

// Sweep expires every signal past its horizon and then every execution
// still pending under a now-expired signal. It returns the number of
// signals expired. Sweeps are idempotent: a rerun over the same state is a
// no-op, and the acknowledgment compare-and-swap loses gracefully to a
// sweep that settled the execution first.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireDueSignals(now)
	if err != nil {
		s.metrics.SweepError()
		return 0, fmt.Errorf("expire signals: %w", err)
	}
	orphans, err := s.store.ExpireOrphanExecutions()
	if err != nil {
		s.metrics.SweepError()
		return expired, fmt.Errorf("expire executions: %w", err)
	}

	if expired > 0 {
		s.metrics.SignalsExpired(expired)
		s.emitEvent(domain.EventSignalsExpired, "", "", map[string]interface{}{
			"signals":    expired,
			"executions": orphans,
		})
		_ = s.notifier.Notify(ctx, fmt.Sprintf("Sweep expired %d signals (%d executions)", expired, orphans))
		s.log.Info().
			Int("signals", expired).
			Int("executions", orphans).
			Msg("sweep expired stale broadcasts")
	}
	return expired, nil
}
