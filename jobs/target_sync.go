package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/nestguard/nestguard/internal/dirclient"
	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/guard"
	"github.com/nestguard/nestguard/internal/restriction"
	"github.com/nestguard/nestguard/internal/shared"
)

// TargetSyncJob pulls the acting dependent's restriction selection from the
// directory and replaces the local snapshot. It also refreshes the guard's
// dependent roster, which is where a server-side dependent removal is
// noticed.
type TargetSyncJob struct {
	Dir     dirclient.Directory
	Guard   *guard.HouseholdContext
	Targets *restriction.TargetStore
	Logger  *slog.Logger
	clock   func() time.Time
}

// NewTargetSyncJob constructs the sync handler.
func NewTargetSyncJob(dir dirclient.Directory, g *guard.HouseholdContext, targets *restriction.TargetStore, logger *slog.Logger) *TargetSyncJob {
	return &TargetSyncJob{
		Dir:     dir,
		Guard:   g,
		Targets: targets,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sync pass.
func (j *TargetSyncJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Guard == nil {
		return errors.New("target sync: handler not configured")
	}
	logger := j.logger()
	start := j.now()

	// Roster refresh and selection fetch are independent directory reads.
	dependentID := j.Guard.ActiveDependentID()
	var sel *directory.TargetSelection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		j.Guard.RefreshRoster(gctx)
		return nil
	})
	if dependentID != "" {
		g.Go(func() error {
			fetched, err := j.Dir.GetTargetSelection(gctx, dependentID)
			if err != nil {
				return err
			}
			sel = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, shared.ErrUnauthorized) {
			return asynq.SkipRetry
		}
		logger.Warn("target sync failed, keeping last snapshot", slog.Any("error", err))
		return err
	}

	if dependentID == "" {
		logger.Info("no acting dependent, skipping target sync")
		return nil
	}

	// The fetch races with a profile switch. A selection fetched for a
	// dependent who is no longer acting must not land in the store.
	if j.Guard.ActiveDependentID() != dependentID {
		logger.Info("discarding target selection for superseded dependent",
			slog.String("dependent_id", dependentID))
		return nil
	}

	set := restriction.FromSelection(sel)
	if err := j.Targets.Save(ctx, set); err != nil {
		logger.Error("persist target snapshot", slog.Any("error", err))
		return err
	}

	logger.Info("target snapshot refreshed",
		slog.String("dependent_id", dependentID),
		slog.Int("apps", len(set.Apps)),
		slog.Int("categories", len(set.Categories)),
		slog.Int("domains", len(set.Domains)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *TargetSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTargetSync))
	}
	return slog.Default().With(slog.String("job", TaskTargetSync))
}

func (j *TargetSyncJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
