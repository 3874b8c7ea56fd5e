package capsules

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/soulbox/backend/internal/audit"
	"github.com/soulbox/backend/internal/timecodec"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:soulbox_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Capsule{}, &Reminder{}, &audit.UnlockLog{}, &audit.CapsuleViewer{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// testClock is a settable clock for driving the capsule lifecycle.
type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Set(instant time.Time) {
	c.current = instant
}

type recordingPublisher struct {
	events []UnlockEvent
}

func (p *recordingPublisher) PublishUnlock(event UnlockEvent) {
	p.events = append(p.events, event)
}

type recordingRemover struct {
	removed []string
	err     error
}

func (r *recordingRemover) Remove(ref string) error {
	r.removed = append(r.removed, ref)
	return r.err
}

func newTestService(t *testing.T, db *gorm.DB, clock *testClock, options ...func(*ServiceConfig)) *Service {
	t.Helper()
	cfg := ServiceConfig{
		Database:   db,
		Codec:      timecodec.NewWithLocation(time.UTC),
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build capsule service: %v", err)
	}
	return service
}
