package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// DefaultSweepTimeout bounds a single scheduled sweep
const DefaultSweepTimeout = 5 * time.Minute

// Sweeper deactivates expired assignments on a cron schedule
type Sweeper struct {
	ledger  *rbac.Ledger
	logger  *observability.Logger
	timeout time.Duration
}

// NewSweeper creates a sweeper over ledger
func NewSweeper(ledger *rbac.Ledger, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sweeper{
		ledger:  ledger,
		logger:  logger.WithField("job", "assignment_sweep"),
		timeout: DefaultSweepTimeout,
	}
}

// RunOnce performs one sweep and logs its outcome
func (s *Sweeper) RunOnce(ctx context.Context) (rbac.SweepResult, error) {
	result, err := s.ledger.SweepExpiredAssignments(ctx)
	if err != nil {
		s.logger.WithError(err).Error("expired assignment sweep failed")
		return result, err
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"sweep_id": result.SweepID,
		"expired":  result.Expired,
	})
	if result.Expired > 0 {
		logger.Info("expired assignments deactivated")
	} else {
		logger.Debug("no expired assignments")
	}
	return result, nil
}

// Register adds the sweep to c under a standard cron spec or descriptor
func (s *Sweeper) Register(c *cron.Cron, spec string) error {
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Sweeper) run() {
	defer observability.RecoverPanic(s.logger, "assignment sweep")

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}
