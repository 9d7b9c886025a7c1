package restriction

import (
	"context"
	"log/slog"
)

// Enforcer is the OS restriction surface: apply per-category blocks and lift
// everything at once. Implementations wrap the platform API; the core only
// calls it.
type Enforcer interface {
	ApplyApps(ctx context.Context, apps []string) error
	ApplyCategories(ctx context.Context, categories []string) error
	ApplyDomains(ctx context.Context, domains []string) error
	ClearAll(ctx context.Context) error
}

// LogEnforcer records enforcement calls without touching any OS API. Used on
// hosts with no restriction hook and as a development stand-in.
type LogEnforcer struct {
	logger *slog.Logger
}

// NewLogEnforcer constructs a LogEnforcer.
func NewLogEnforcer(logger *slog.Logger) *LogEnforcer {
	return &LogEnforcer{logger: logger}
}

func (e *LogEnforcer) ApplyApps(_ context.Context, apps []string) error {
	e.logger.Info("restricting apps", slog.Int("count", len(apps)))
	return nil
}

func (e *LogEnforcer) ApplyCategories(_ context.Context, categories []string) error {
	e.logger.Info("restricting categories", slog.Int("count", len(categories)))
	return nil
}

func (e *LogEnforcer) ApplyDomains(_ context.Context, domains []string) error {
	e.logger.Info("restricting domains", slog.Int("count", len(domains)))
	return nil
}

func (e *LogEnforcer) ClearAll(_ context.Context) error {
	e.logger.Info("clearing all restrictions")
	return nil
}
