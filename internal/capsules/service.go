package capsules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soulbox/backend/internal/audit"
	"github.com/soulbox/backend/internal/timecodec"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRepairWindow = 300 * time.Second

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCodec      = errors.New("time codec is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps store and infrastructure failures with an
// operation.reason code; domain errors (ErrNotFound, ErrInvalidKey, ...)
// propagate unwrapped.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "capsules.service.new"
	opCreate        = "capsules.create"
	opListByOwner   = "capsules.list_by_owner"
	opPublicView    = "capsules.public_view"
	opStatus        = "capsules.status"
	opViewers       = "capsules.viewers"
	opUnlock        = "capsules.unlock"
	opDelete        = "capsules.delete"
	opRepair        = "capsules.repair_auto_unlocked"
	opDueReminders  = "capsules.due_reminders"
	opMarkSent      = "capsules.mark_reminder_sent"
	opNotifyCreated = "capsules.notify_created"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// CreationNotifier tells a recipient that a capsule addressed to them was
// created. Delivery failure is non-fatal.
type CreationNotifier interface {
	CapsuleCreated(ctx context.Context, to, title, unlockDisplay string) error
}

// MediaRemover deletes a stored media blob by reference. Failures are logged,
// never propagated; the relational deletion is the authority on success.
type MediaRemover interface {
	Remove(ref string) error
}

// UnlockEvent announces a completed unlock transition to interested readers.
type UnlockEvent struct {
	OwnerID    string
	CapsuleID  string
	Title      string
	UnlockedAt time.Time
}

// UnlockPublisher fans unlock events out to live subscribers. Publishing
// happens after the store transaction commits and never affects the result.
type UnlockPublisher interface {
	PublishUnlock(event UnlockEvent)
}

// ServiceConfig describes the dependencies of the capsule service.
type ServiceConfig struct {
	Database     *gorm.DB
	Codec        *timecodec.Codec
	Clock        func() time.Time
	IDProvider   IDProvider
	KeyGenerator KeyGenerator
	Notifier     CreationNotifier
	Media        MediaRemover
	Publisher    UnlockPublisher
	RepairWindow time.Duration
	Logger       *zap.Logger
}

// Service owns the capsule lifecycle: authoring, status derivation, the
// unlock transition, deletion and the auto-unlock repair.
type Service struct {
	db           *gorm.DB
	codec        *timecodec.Codec
	clock        func() time.Time
	idProvider   IDProvider
	keyGenerator KeyGenerator
	notifier     CreationNotifier
	media        MediaRemover
	publisher    UnlockPublisher
	repairWindow time.Duration
	logger       *zap.Logger
}

// NewService constructs the capsule service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(opServiceNew, "missing_codec", errMissingCodec)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	keyGenerator := cfg.KeyGenerator
	if keyGenerator == nil {
		keyGenerator = NewEncryptKey
	}
	repairWindow := cfg.RepairWindow
	if repairWindow <= 0 {
		repairWindow = defaultRepairWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:           cfg.Database,
		codec:        cfg.Codec,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		keyGenerator: keyGenerator,
		notifier:     cfg.Notifier,
		media:        cfg.Media,
		publisher:    cfg.Publisher,
		repairWindow: repairWindow,
		logger:       logger,
	}, nil
}

// now reads the injected clock in the deployment timezone. All schedule
// arithmetic happens in that zone.
func (s *Service) now() time.Time {
	return s.clock().In(s.codec.Location())
}

// Create validates and persists a new capsule together with its unlock-time
// reminder, then notifies the recipient best-effort.
func (s *Service) Create(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if err := request.validate(); err != nil {
		return CreateResult{}, err
	}

	normalizedTime, err := s.codec.To24Hour(request.UnlockTime)
	if err != nil {
		return CreateResult{}, err
	}
	unlockAt, err := s.codec.Combine(request.UnlockDate, normalizedTime)
	if err != nil {
		return CreateResult{}, err
	}
	now := s.now()
	if !unlockAt.After(now) {
		return CreateResult{}, fmt.Errorf("%w: unlock date/time must be in the future", ErrValidation)
	}

	encryptKey, err := s.keyGenerator()
	if err != nil {
		s.logError(opCreate, "key_generation_failed", err)
		return CreateResult{}, newServiceError(opCreate, "key_generation_failed", err)
	}
	capsuleID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return CreateResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	shareToken, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return CreateResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	reminderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return CreateResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	mediaJSON, err := EncodeMediaRefs(request.MediaRefs)
	if err != nil {
		s.logError(opCreate, "media_encoding_failed", err)
		return CreateResult{}, newServiceError(opCreate, "media_encoding_failed", err)
	}

	capsule := Capsule{
		ID:             capsuleID,
		UserID:         request.UserID,
		Title:          request.Title,
		Message:        request.Message,
		MediaJSON:      mediaJSON,
		RecipientEmail: request.RecipientEmail,
		EncryptKey:     encryptKey,
		ShareToken:     shareToken,
		UnlockDate:     request.UnlockDate,
		UnlockTime:     normalizedTime,
		CreatedAt:      now,
	}
	reminder := Reminder{
		ID:         reminderID,
		CapsuleID:  capsuleID,
		ReminderAt: unlockAt,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&capsule).Error; err != nil {
			return newServiceError(opCreate, "capsule_insert_failed", err)
		}
		if err := tx.Create(&reminder).Error; err != nil {
			return newServiceError(opCreate, "reminder_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr, zap.String("user_id", request.UserID))
		return CreateResult{}, txErr
	}

	if s.notifier != nil && capsule.RecipientEmail != "" {
		display := capsule.UnlockDate
		if twelveHour, err := s.codec.To12Hour(capsule.UnlockTime); err == nil {
			display = capsule.UnlockDate + " at " + twelveHour
		}
		if err := s.notifier.CapsuleCreated(ctx, capsule.RecipientEmail, capsule.Title, display); err != nil {
			s.logger.Warn("capsule creation email failed",
				zap.String("operation", opNotifyCreated),
				zap.String("capsule_id", capsuleID),
				zap.Error(err))
		}
	}

	return CreateResult{CapsuleID: capsuleID, EncryptKey: encryptKey, ShareToken: shareToken}, nil
}

// ListByOwner returns all capsules created by a user, newest first.
func (s *Service) ListByOwner(ctx context.Context, userID string) ([]Capsule, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrValidation)
	}
	var rows []Capsule
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListByOwner, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListByOwner, "query_failed", err)
	}
	return rows, nil
}

// PublicView is the capsule as seen through its share link. Message and
// media stay withheld until the capsule is UNLOCKED.
type PublicView struct {
	CapsuleID  string
	Title      string
	UnlockDate string
	UnlockTime string
	CreatedAt  time.Time
	UnlockedAt *time.Time
	Snapshot   Snapshot
	Message    string
	MediaRefs  []string
}

// ViewByShareToken resolves the public view behind a share token.
func (s *Service) ViewByShareToken(ctx context.Context, shareToken string) (PublicView, error) {
	return s.publicView(ctx, "share_token = ?", shareToken)
}

// ViewByID resolves the public view by capsule id, e.g. for re-reads after a
// completed unlock.
func (s *Service) ViewByID(ctx context.Context, capsuleID string) (PublicView, error) {
	return s.publicView(ctx, "capsule_id = ?", capsuleID)
}

func (s *Service) publicView(ctx context.Context, query string, argument string) (PublicView, error) {
	var capsule Capsule
	err := s.db.WithContext(ctx).Where(query, argument).Take(&capsule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PublicView{}, ErrNotFound
	}
	if err != nil {
		s.logError(opPublicView, "query_failed", err)
		return PublicView{}, newServiceError(opPublicView, "query_failed", err)
	}

	snapshot := DeriveSnapshot(&capsule, s.now(), s.codec, s.repairWindow)
	view := PublicView{
		CapsuleID:  capsule.ID,
		Title:      capsule.Title,
		UnlockDate: capsule.UnlockDate,
		UnlockTime: capsule.UnlockTime,
		CreatedAt:  capsule.CreatedAt,
		UnlockedAt: capsule.UnlockedAt,
		Snapshot:   snapshot,
	}
	if snapshot.State == StateUnlocked {
		view.Message = capsule.Message
		view.MediaRefs = capsule.MediaRefs()
	}
	return view, nil
}

// StatusReport extends the snapshot with identification for the owner's
// status endpoint.
type StatusReport struct {
	CapsuleID string
	Title     string
	Snapshot  Snapshot
}

// Status derives the current state of an owned capsule.
func (s *Service) Status(ctx context.Context, capsuleID, userID string) (StatusReport, error) {
	var capsule Capsule
	err := s.db.WithContext(ctx).
		Where("capsule_id = ? AND user_id = ?", capsuleID, userID).
		Take(&capsule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusReport{}, ErrNotFound
	}
	if err != nil {
		s.logError(opStatus, "query_failed", err, zap.String("capsule_id", capsuleID))
		return StatusReport{}, newServiceError(opStatus, "query_failed", err)
	}

	return StatusReport{
		CapsuleID: capsule.ID,
		Title:     capsule.Title,
		Snapshot:  DeriveSnapshot(&capsule, s.now(), s.codec, s.repairWindow),
	}, nil
}

// Viewers lists the self-reported identities recorded against an owned
// capsule's unlocks, oldest first.
func (s *Service) Viewers(ctx context.Context, capsuleID, userID string) ([]audit.CapsuleViewer, error) {
	var capsule Capsule
	err := s.db.WithContext(ctx).
		Where("capsule_id = ? AND user_id = ?", capsuleID, userID).
		Take(&capsule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opViewers, "query_failed", err, zap.String("capsule_id", capsuleID))
		return nil, newServiceError(opViewers, "query_failed", err)
	}

	var viewers []audit.CapsuleViewer
	err = s.db.WithContext(ctx).
		Where("capsule_id = ?", capsuleID).
		Order("viewed_at ASC").
		Find(&viewers).Error
	if err != nil {
		s.logError(opViewers, "query_failed", err, zap.String("capsule_id", capsuleID))
		return nil, newServiceError(opViewers, "query_failed", err)
	}
	return viewers, nil
}

// Unlock performs the one-way transition to UNLOCKED. Preconditions are
// checked in order behind a row lock, and the final update is conditioned on
// is_unlocked still being false so concurrent duplicates cannot both succeed.
func (s *Service) Unlock(ctx context.Context, shareToken, key, viewerEmail string) (UnlockResult, error) {
	now := s.now()
	var result UnlockResult
	var event UnlockEvent

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var capsule Capsule
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("share_token = ?", shareToken).
			Take(&capsule).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opUnlock, "capsule_select_failed", err)
		}

		if capsule.IsUnlocked {
			return ErrAlreadyUnlocked
		}

		unlockAt, err := s.codec.Combine(capsule.UnlockDate, capsule.UnlockTime)
		if err != nil {
			// Unparseable schedule data never releases content.
			s.logError(opUnlock, "invalid_schedule", err, zap.String("capsule_id", capsule.ID))
			return &NotYetReadyError{}
		}
		if now.Before(unlockAt) {
			return &NotYetReadyError{UnlockAt: unlockAt}
		}

		if key != capsule.EncryptKey {
			return ErrInvalidKey
		}

		update := tx.Model(&Capsule{}).
			Where("capsule_id = ? AND is_unlocked = ?", capsule.ID, false).
			Updates(map[string]any{"is_unlocked": true, "unlocked_at": now})
		if update.Error != nil {
			return newServiceError(opUnlock, "capsule_update_failed", update.Error)
		}
		if update.RowsAffected == 0 {
			return ErrAlreadyUnlocked
		}

		logID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opUnlock, "id_generation_failed", err)
		}
		if err := tx.Create(&audit.UnlockLog{ID: logID, CapsuleID: capsule.ID, UnlockedAt: now}).Error; err != nil {
			return newServiceError(opUnlock, "unlock_log_insert_failed", err)
		}
		if viewerEmail != "" {
			viewerID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opUnlock, "id_generation_failed", err)
			}
			viewer := audit.CapsuleViewer{
				ID:          viewerID,
				CapsuleID:   capsule.ID,
				ViewerEmail: viewerEmail,
				ViewedAt:    now,
			}
			if err := tx.Create(&viewer).Error; err != nil {
				return newServiceError(opUnlock, "viewer_insert_failed", err)
			}
		}

		result = UnlockResult{
			CapsuleID:  capsule.ID,
			Title:      capsule.Title,
			Message:    capsule.Message,
			MediaRefs:  capsule.MediaRefs(),
			CreatedAt:  capsule.CreatedAt,
			UnlockedAt: now,
		}
		event = UnlockEvent{
			OwnerID:    capsule.UserID,
			CapsuleID:  capsule.ID,
			Title:      capsule.Title,
			UnlockedAt: now,
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			s.logError(opUnlock, "transaction_failed", txErr, zap.String("share_token", shareToken))
		}
		return UnlockResult{}, txErr
	}

	if s.publisher != nil {
		s.publisher.PublishUnlock(event)
	}
	s.logger.Info("capsule unlocked",
		zap.String("capsule_id", result.CapsuleID),
		zap.Time("unlocked_at", result.UnlockedAt))

	return result, nil
}

// Delete removes an owned capsule with its reminders and audit rows in one
// transaction, then removes stored media blobs best-effort.
func (s *Service) Delete(ctx context.Context, capsuleID, userID string) error {
	var mediaRefs []string

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var capsule Capsule
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("capsule_id = ? AND user_id = ?", capsuleID, userID).
			Take(&capsule).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opDelete, "capsule_select_failed", err)
		}
		mediaRefs = capsule.MediaRefs()

		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&Reminder{}).Error; err != nil {
			return newServiceError(opDelete, "reminder_delete_failed", err)
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&audit.CapsuleViewer{}).Error; err != nil {
			return newServiceError(opDelete, "viewer_delete_failed", err)
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&audit.UnlockLog{}).Error; err != nil {
			return newServiceError(opDelete, "unlock_log_delete_failed", err)
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&Capsule{}).Error; err != nil {
			return newServiceError(opDelete, "capsule_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opDelete, "transaction_failed", txErr, zap.String("capsule_id", capsuleID))
		}
		return txErr
	}

	if s.media != nil {
		for _, ref := range mediaRefs {
			if err := s.media.Remove(ref); err != nil {
				s.logger.Warn("media blob removal failed",
					zap.String("capsule_id", capsuleID),
					zap.String("ref", ref),
					zap.Error(err))
			}
		}
	}
	return nil
}

// RepairAutoUnlocked resets capsules whose unlock looks time-triggered: the
// unlocked_at timestamp landed within the configured window of the scheduled
// instant, or is missing entirely despite is_unlocked being set. The scope
// narrows to one owner when userID is non-empty. Explicitly triggered only;
// the reminder scheduler never calls this.
func (s *Service) RepairAutoUnlocked(ctx context.Context, userID string) (RepairResult, error) {
	var result RepairResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("is_unlocked = ?", true)
		if userID != "" {
			query = query.Where("user_id = ?", userID)
		}
		var unlocked []Capsule
		if err := query.Find(&unlocked).Error; err != nil {
			return newServiceError(opRepair, "query_failed", err)
		}

		for _, capsule := range unlocked {
			detail, flagged := s.evaluateAutoUnlock(&capsule)
			if !flagged {
				continue
			}
			update := tx.Model(&Capsule{}).
				Where("capsule_id = ? AND is_unlocked = ?", capsule.ID, true).
				Updates(map[string]any{"is_unlocked": false, "unlocked_at": nil})
			if update.Error != nil {
				return newServiceError(opRepair, "reset_failed", update.Error)
			}
			if update.RowsAffected == 0 {
				continue
			}
			result.FixedCount++
			result.Details = append(result.Details, detail)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRepair, "transaction_failed", txErr)
		return RepairResult{}, txErr
	}

	if result.FixedCount > 0 {
		s.logger.Info("auto-unlocked capsules repaired", zap.Int("fixed", result.FixedCount))
	}
	return result, nil
}

// evaluateAutoUnlock applies the suspicion predicate to one unlocked capsule.
func (s *Service) evaluateAutoUnlock(capsule *Capsule) (RepairDetail, bool) {
	if capsule.UnlockedAt == nil {
		// Unlocked without a timestamp violates the pairing invariant; it
		// cannot have been a real unlock.
		return RepairDetail{
			CapsuleID:       capsule.ID,
			Title:           capsule.Title,
			MissingUnlockAt: true,
		}, true
	}

	unlockAt, err := s.codec.Combine(capsule.UnlockDate, capsule.UnlockTime)
	if err != nil {
		return RepairDetail{}, false
	}
	drift := capsule.UnlockedAt.Sub(unlockAt)
	if drift < 0 {
		drift = -drift
	}
	if drift >= s.repairWindow {
		return RepairDetail{}, false
	}
	return RepairDetail{
		CapsuleID:    capsule.ID,
		Title:        capsule.Title,
		UnlockAt:     unlockAt,
		UnlockedAt:   capsule.UnlockedAt,
		DriftSeconds: int64(drift.Seconds()),
	}, true
}

// DueReminder joins one unsent, due reminder with the capsule fields the
// scheduler needs for delivery.
type DueReminder struct {
	ReminderID     string
	CapsuleID      string
	Title          string
	RecipientEmail string
	EncryptKey     string
	ShareToken     string
	IsUnlocked     bool
}

// DueReminders returns reminders due at or before now that have not been
// sent. Read-only; the scheduler calls this every tick.
func (s *Service) DueReminders(ctx context.Context, now time.Time) ([]DueReminder, error) {
	var rows []DueReminder
	err := s.db.WithContext(ctx).
		Table("reminders").
		Select("reminders.reminder_id AS reminder_id, reminders.capsule_id AS capsule_id, capsules.title AS title, capsules.recipient_email AS recipient_email, capsules.encrypt_key AS encrypt_key, capsules.share_token AS share_token, capsules.is_unlocked AS is_unlocked").
		Joins("JOIN capsules ON capsules.capsule_id = reminders.capsule_id").
		Where("reminders.is_sent = ? AND reminders.reminder_date <= ?", false, now).
		Scan(&rows).Error
	if err != nil {
		s.logError(opDueReminders, "query_failed", err)
		return nil, newServiceError(opDueReminders, "query_failed", err)
	}
	return rows, nil
}

// MarkReminderSent flips the reminder's is_sent flag. This is the only
// reminder mutation the scheduler performs, and it happens whether or not
// the delivery attempt succeeded.
func (s *Service) MarkReminderSent(ctx context.Context, reminderID string) error {
	err := s.db.WithContext(ctx).
		Model(&Reminder{}).
		Where("reminder_id = ?", reminderID).
		Update("is_sent", true).Error
	if err != nil {
		s.logError(opMarkSent, "update_failed", err, zap.String("reminder_id", reminderID))
		return newServiceError(opMarkSent, "update_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("capsule service error", attrs...)
}
