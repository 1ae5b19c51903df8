package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aquispe/newsbrief/internal/digest"
)

const (
	// tickInterval is how often the loop checks the clock.
	tickInterval = 30 * time.Second
	// leaseTTL is roughly twice the expected run duration.
	leaseTTL = 20 * time.Minute
	// runDeadline bounds one full pipeline run.
	runDeadline = 10 * time.Minute
)

// LeaseStore is the slice of the store backing slot exclusivity.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Runner executes one pipeline run for a slot key.
type Runner interface {
	Run(ctx context.Context, slot string) (digest.Counts, error)
}

// Scheduler drives scheduled and manual pipeline runs under the lease
// discipline.
type Scheduler struct {
	slots  []Slot
	leases LeaseStore
	runner Runner
	holder string
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration
	// ran dedups firings within a slot's minute; keys age out daily.
	ran map[string]bool
}

// New creates a Scheduler. Each process instance gets a random holder
// id for lease attribution.
func New(slots []Slot, leases LeaseStore, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		slots:  slots,
		leases: leases,
		runner: runner,
		holder: uuid.NewString(),
		logger: logger,
		now:    time.Now,
		tick:   tickInterval,
		ran:    map[string]bool{},
	}
}

// Start runs the scheduling loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		"component", "scheduler",
		"slots", fmt.Sprint(s.slots),
		"holder", s.holder)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "component", "scheduler")
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check fires any slot whose minute the clock is in, at most once per
// day per slot.
func (s *Scheduler) check(ctx context.Context) {
	now := s.now()
	for _, slot := range s.slots {
		if !slot.matches(now) {
			continue
		}
		key := SlotKey(slot, now)
		if s.ran[key] {
			continue
		}
		s.ran[key] = true
		s.prune(now)
		s.runSlot(ctx, key)
	}
}

// prune drops dedup entries from previous days.
func (s *Scheduler) prune(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	for key := range s.ran {
		if len(key) < len(today) || key[len(key)-len(today):] != today {
			delete(s.ran, key)
		}
	}
}

// runSlot acquires the slot lease and runs the pipeline under the run
// deadline. Losing the lease race is a normal outcome.
func (s *Scheduler) runSlot(ctx context.Context, key string) {
	got, err := s.leases.AcquireLease(ctx, key, s.holder, s.now(), leaseTTL)
	if err != nil {
		s.logger.Error("lease acquisition failed",
			"component", "scheduler", "slot", key, "error", err)
		return
	}
	if !got {
		s.logger.Info("slot already held",
			"component", "scheduler", "slot", key)
		return
	}
	defer func() {
		if err := s.leases.ReleaseLease(context.WithoutCancel(ctx), key, s.holder); err != nil {
			s.logger.Error("lease release failed",
				"component", "scheduler", "slot", key, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, runDeadline)
	defer cancel()
	counts, err := s.runner.Run(runCtx, key)
	if err != nil {
		s.logger.Error("scheduled run failed",
			"component", "scheduler", "slot", key, "error", err)
		return
	}
	s.logger.Info("scheduled run finished",
		"component", "scheduler",
		"slot", key,
		"attempted", counts.Attempted,
		"delivered", counts.Delivered)
}

// Trigger runs the pipeline immediately under the same lease discipline,
// keyed by the current instant.
func (s *Scheduler) Trigger(ctx context.Context) (digest.Counts, error) {
	key := "manual:" + s.now().UTC().Format(time.RFC3339)
	got, err := s.leases.AcquireLease(ctx, key, s.holder, s.now(), leaseTTL)
	if err != nil {
		return digest.Counts{}, fmt.Errorf("scheduling: acquire lease: %w", err)
	}
	if !got {
		return digest.Counts{}, fmt.Errorf("scheduling: slot %s already held", key)
	}
	defer s.leases.ReleaseLease(context.WithoutCancel(ctx), key, s.holder)

	runCtx, cancel := context.WithTimeout(ctx, runDeadline)
	defer cancel()
	return s.runner.Run(runCtx, key)
}
