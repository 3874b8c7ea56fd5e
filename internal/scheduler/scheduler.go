package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/soulbox/backend/internal/capsules"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

var (
	errMissingStore    = errors.New("scheduler: reminder store is required")
	errMissingNotifier = errors.New("scheduler: notifier is required")
)

// ReminderStore is the scheduler's entire view of the capsule store: it can
// read due reminders and flip their sent flag, nothing else. Unlock state is
// deliberately out of reach.
type ReminderStore interface {
	DueReminders(ctx context.Context, now time.Time) ([]capsules.DueReminder, error)
	MarkReminderSent(ctx context.Context, reminderID string) error
}

// Notifier delivers the unlock-time reminder email.
type Notifier interface {
	ReminderDue(ctx context.Context, to, title, encryptKey, shareToken string) error
}

// Config describes the scheduler dependencies.
type Config struct {
	Store    ReminderStore
	Notifier Notifier
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Scheduler is the stateless periodic reminder task. Each tick it selects
// due unsent reminders, attempts at most one delivery per reminder, and
// marks every processed reminder sent regardless of delivery outcome.
type Scheduler struct {
	store    ReminderStore
	notifier Notifier
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Start runs the tick loop in a goroutine. The returned cancel stops the
// loop; done closes once the loop has exited.
func (s *Scheduler) Start(parent context.Context) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return cancel, done
}

// Run executes ticks on the configured period until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every currently due reminder. Per-reminder failures are
// logged and swallowed so one bad address never blocks the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("reminder query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Debug("processing due reminders", zap.Int("count", len(due)))

	for _, reminder := range due {
		s.processReminder(ctx, reminder)
	}
}

func (s *Scheduler) processReminder(ctx context.Context, reminder capsules.DueReminder) {
	// Delivery only while the capsule is still sealed; an unlocked capsule
	// needs no nudge. Either way the reminder is consumed below.
	if !reminder.IsUnlocked && reminder.RecipientEmail != "" {
		err := s.notifier.ReminderDue(ctx, reminder.RecipientEmail, reminder.Title, reminder.EncryptKey, reminder.ShareToken)
		if err != nil {
			s.logger.Warn("reminder delivery failed",
				zap.String("reminder_id", reminder.ReminderID),
				zap.String("capsule_id", reminder.CapsuleID),
				zap.Error(err))
		} else {
			s.logger.Info("reminder delivered",
				zap.String("reminder_id", reminder.ReminderID),
				zap.String("capsule_id", reminder.CapsuleID))
		}
	}

	if err := s.store.MarkReminderSent(ctx, reminder.ReminderID); err != nil {
		s.logger.Error("failed to mark reminder sent",
			zap.String("reminder_id", reminder.ReminderID),
			zap.Error(err))
	}
}
