package server

import (
	"context"
	"sync"

	"github.com/soulbox/backend/internal/capsules"
)

const unlockEventName = "capsule-unlocked"

// UnlockDispatcher fans unlock events out to the owner's live dashboard
// streams. Slow subscribers drop events rather than block the unlock path.
type UnlockDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*unlockSubscriber
	nextID      int64
	bufferSize  int
}

type unlockSubscriber struct {
	id     int64
	stream chan capsules.UnlockEvent
}

// NewUnlockDispatcher constructs a dispatcher with a small per-subscriber
// buffer.
func NewUnlockDispatcher() *UnlockDispatcher {
	return &UnlockDispatcher{
		subscribers: make(map[string]map[int64]*unlockSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one owner's unlock events. The stream is
// torn down when the context ends or the cleanup function runs.
func (d *UnlockDispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan capsules.UnlockEvent, func()) {
	if ownerID == "" {
		ch := make(chan capsules.UnlockEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &unlockSubscriber{
		id:     d.nextSequence(),
		stream: make(chan capsules.UnlockEvent, d.bufferSize),
	}
	d.registerSubscriber(ownerID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(ownerID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishUnlock delivers an event to every subscriber of the capsule owner.
func (d *UnlockDispatcher) PublishUnlock(event capsules.UnlockEvent) {
	if event.OwnerID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*unlockSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *UnlockDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *UnlockDispatcher) registerSubscriber(ownerID string, subscriber *unlockSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*unlockSubscriber)
	}
	d.subscribers[ownerID][subscriber.id] = subscriber
}

func (d *UnlockDispatcher) unregisterSubscriber(ownerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	d.mu.Unlock()
}
