package audit

import "time"

// UnlockLog records one successful unlock transition. Diagnostics only;
// authorization never reads these rows.
type UnlockLog struct {
	ID         string    `gorm:"column:unlock_log_id;primaryKey;size:190;not null"`
	CapsuleID  string    `gorm:"column:capsule_id;size:190;not null;index"`
	UnlockedAt time.Time `gorm:"column:unlocked_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UnlockLog) TableName() string {
	return "unlock_logs"
}

// CapsuleViewer records the self-reported identity of whoever completed an
// unlock, when one was supplied.
type CapsuleViewer struct {
	ID          string    `gorm:"column:viewer_id;primaryKey;size:190;not null"`
	CapsuleID   string    `gorm:"column:capsule_id;size:190;not null;index"`
	ViewerEmail string    `gorm:"column:viewer_email;size:320;not null"`
	ViewedAt    time.Time `gorm:"column:viewed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CapsuleViewer) TableName() string {
	return "capsule_viewers"
}
