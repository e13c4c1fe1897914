package authcore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CascadeController revokes every refresh session of an account after a
// trust-changing event. Already-issued access tokens are left to expire on
// their own short TTL.
type CascadeController struct {
	sessions RefreshSessionStore
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewCascadeController constructs a cascade controller.
func NewCascadeController(sessions RefreshSessionStore, logger *zap.Logger, metrics MetricsRecorder) *CascadeController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CascadeController{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// Cascade revokes all of the account's refresh sessions. It must complete
// before the triggering operation responds, so a password-change response
// implies all prior sessions are already dead.
func (controller *CascadeController) Cascade(ctx context.Context, accountID string, reason CascadeReason) error {
	revoked, err := controller.sessions.RevokeAllForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("cascade.%s: %w", reason, err)
	}
	if controller.metrics != nil {
		controller.metrics.Increment(MetricCascade)
	}
	controller.logger.Info("revoked all refresh sessions",
		zap.String("code", "cascade.applied"),
		zap.String("account_id", accountID),
		zap.String("reason", string(reason)),
		zap.Int64("revoked", revoked),
	)
	return nil
}
