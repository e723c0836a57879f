// Package scheduler drives automated fills. It periodically scans the ledger
// for positions whose advisory next-fill time has passed and dispatches them
// to the fill engine under the automation principal. The schedule is a hint
// only; the engine's installment accounting is the real guard.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// Filler triggers a single installment conversion. It is implemented by the
// fill engine.
type Filler interface {
	Fill(ctx context.Context, caller domain.Principal, id int64, params *domain.GenericCallParams) (domain.Position, error)
}

// Config holds scheduler settings.
type Config struct {
	// ScanInterval is how often the ledger is scanned for due positions.
	ScanInterval time.Duration
	// BatchLimit caps how many due positions one scan picks up.
	BatchLimit int
	// Workers is the number of concurrent fill workers.
	Workers int
}

// Scheduler scans for due positions and fills them through the engine.
type Scheduler struct {
	positions domain.PositionStore
	filler    Filler
	principal domain.Principal
	cfg       Config
	dedup     *dedup
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler that fills due positions as the given automation
// principal.
func New(positions domain.PositionStore, filler Filler, principal domain.Principal, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Scheduler{
		positions: positions,
		filler:    filler,
		principal: principal,
		cfg:       cfg,
		dedup:     newDedup(2 * cfg.ScanInterval),
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
	}
}

// Run scans and fills until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Duration("scan_interval", s.cfg.ScanInterval),
		slog.Int("workers", s.cfg.Workers),
	)
	defer s.logger.Info("scheduler stopped")

	jobs := make(chan domain.Position)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for pos := range jobs {
				s.fill(ctx, pos)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)

		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()

		for {
			s.scan(ctx, jobs)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.dedup.cleanup()
			}
		}
	})

	return g.Wait()
}

// scan queues every due position that has not already been dispatched for its
// current installment.
func (s *Scheduler) scan(ctx context.Context, jobs chan<- domain.Position) {
	due, err := s.positions.ListDue(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("scan for due positions failed", slog.String("error", err.Error()))
		}
		return
	}

	for _, pos := range due {
		if s.dedup.isDuplicate(pos.ID, pos.FilledInstallments) {
			continue
		}
		select {
		case jobs <- pos:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fill(ctx context.Context, pos domain.Position) {
	log := s.logger.With(
		slog.Int64("position_id", pos.ID),
		slog.Int("installment", pos.FilledInstallments+1),
	)

	_, err := s.filler.Fill(ctx, s.principal, pos.ID, nil)
	switch {
	case err == nil:
		log.Info("scheduled fill executed")
	case errors.Is(err, domain.ErrLockHeld):
		// Another filler is on it; the next scan re-evaluates.
		log.Debug("position locked, skipping")
	case errors.Is(err, domain.ErrAlreadyFullyFilled), errors.Is(err, domain.ErrPositionClosed):
		log.Debug("position no longer fillable, skipping")
	case errors.Is(err, context.Canceled):
	default:
		log.Warn("scheduled fill failed", slog.String("error", err.Error()))
	}
}
