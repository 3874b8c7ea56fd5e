package capsules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxTitleLength = 255
	maxEmailLength = 320
)

var (
	// ErrValidation indicates malformed or missing input at capsule creation.
	ErrValidation = errors.New("capsules: invalid capsule input")
	// ErrNotFound indicates that no capsule exists for the given token or id.
	ErrNotFound = errors.New("capsules: capsule not found")
	// ErrAlreadyUnlocked indicates a redundant unlock attempt; the capsule
	// state is unchanged.
	ErrAlreadyUnlocked = errors.New("capsules: capsule already unlocked")
	// ErrInvalidKey indicates an unlock code mismatch.
	ErrInvalidKey = errors.New("capsules: invalid unlock code")
)

// NotYetReadyError rejects an unlock attempted before the scheduled instant.
// It carries the unlock instant so the caller can resume its countdown.
type NotYetReadyError struct {
	UnlockAt time.Time
}

func (e *NotYetReadyError) Error() string {
	if e.UnlockAt.IsZero() {
		return "capsules: capsule is not ready yet"
	}
	return fmt.Sprintf("capsules: capsule is not ready until %s", e.UnlockAt.Format(time.RFC3339))
}

// Capsule is the sealed record: content, unlock schedule, access secrets and
// the one-way unlock state. The schedule is stored as a calendar date plus a
// normalized 24-hour time-of-day; the two always combine into one canonical
// instant in the deployment timezone.
type Capsule struct {
	ID             string     `gorm:"column:capsule_id;primaryKey;size:190;not null"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_capsules_user_created,priority:1"`
	Title          string     `gorm:"column:title;size:255;not null"`
	Message        string     `gorm:"column:message;type:text;not null"`
	MediaJSON      string     `gorm:"column:media_json;type:text;not null;default:''"`
	RecipientEmail string     `gorm:"column:recipient_email;size:320"`
	EncryptKey     string     `gorm:"column:encrypt_key;size:32;not null"`
	ShareToken     string     `gorm:"column:share_token;size:190;not null;uniqueIndex:idx_capsules_share_token"`
	UnlockDate     string     `gorm:"column:unlock_date;size:10;not null"`
	UnlockTime     string     `gorm:"column:unlock_time;size:8;not null"`
	IsUnlocked     bool       `gorm:"column:is_unlocked;not null;default:false"`
	UnlockedAt     *time.Time `gorm:"column:unlocked_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_capsules_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Capsule) TableName() string {
	return "capsules"
}

// MediaRefs decodes the stored media reference list. Malformed stored JSON
// yields an empty list rather than an error; the schedule and unlock state
// remain authoritative regardless of media bookkeeping.
func (c *Capsule) MediaRefs() []string {
	if strings.TrimSpace(c.MediaJSON) == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(c.MediaJSON), &refs); err != nil {
		return nil
	}
	return refs
}

// EncodeMediaRefs serializes media references for storage.
func EncodeMediaRefs(refs []string) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Reminder schedules the one-time unlock notification for a capsule. IsSent
// is monotonic false-to-true and is the only field the scheduler mutates.
type Reminder struct {
	ID         string    `gorm:"column:reminder_id;primaryKey;size:190;not null"`
	CapsuleID  string    `gorm:"column:capsule_id;size:190;not null;index"`
	ReminderAt time.Time `gorm:"column:reminder_date;not null;index:idx_reminders_due,priority:2"`
	IsSent     bool      `gorm:"column:is_sent;not null;default:false;index:idx_reminders_due,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (Reminder) TableName() string {
	return "reminders"
}

// CreateRequest describes the input supplied when authoring a capsule. The
// unlock time may arrive in either 12-hour or 24-hour form; it is normalized
// before persisting.
type CreateRequest struct {
	UserID         string
	Title          string
	Message        string
	UnlockDate     string
	UnlockTime     string
	RecipientEmail string
	MediaRefs      []string
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrValidation)
	}
	if len(r.Title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, maxTitleLength)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: missing message", ErrValidation)
	}
	if strings.TrimSpace(r.UnlockDate) == "" {
		return fmt.Errorf("%w: missing unlock date", ErrValidation)
	}
	if strings.TrimSpace(r.UnlockTime) == "" {
		return fmt.Errorf("%w: missing unlock time", ErrValidation)
	}
	if len(r.RecipientEmail) > maxEmailLength {
		return fmt.Errorf("%w: recipient email exceeds %d characters", ErrValidation, maxEmailLength)
	}
	return nil
}

// CreateResult returns the identifiers the author needs to share the capsule.
type CreateResult struct {
	CapsuleID  string
	EncryptKey string
	ShareToken string
}

// UnlockResult is the content payload released by a successful unlock.
type UnlockResult struct {
	CapsuleID  string
	Title      string
	Message    string
	MediaRefs  []string
	CreatedAt  time.Time
	UnlockedAt time.Time
}

// RepairDetail describes one capsule reset by the auto-unlock repair.
type RepairDetail struct {
	CapsuleID       string
	Title           string
	UnlockAt        time.Time
	UnlockedAt      *time.Time
	DriftSeconds    int64
	MissingUnlockAt bool
}

// RepairResult summarizes a repair run.
type RepairResult struct {
	FixedCount int
	Details    []RepairDetail
}
