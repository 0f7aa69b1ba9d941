package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
)

const (
	RealtimeEventAward     = "award"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "ribbit-api"
)

// RealtimeMessage is one event delivered to subscribers of an X account.
type RealtimeMessage struct {
	ExternalUserID string
	EventType      string
	Kind           string
	Delta          int64
	Points         int64
	Timestamp      time.Time
}

// RealtimeDispatcher fans award notices out to open status streams. It satisfies ledger.Publisher.
type RealtimeDispatcher struct {
	mu         sync.RWMutex
	streams    map[string]map[chan RealtimeMessage]struct{}
	bufferSize int
	heartbeat  time.Duration
}

// NewRealtimeDispatcher constructs a dispatcher with a 25s stream heartbeat.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams:    make(map[string]map[chan RealtimeMessage]struct{}),
		bufferSize: 16,
		heartbeat:  25 * time.Second,
	}
}

// Subscribe registers a stream for externalUserID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, externalUserID string) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, d.bufferSize)
	if externalUserID == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	account, ok := d.streams[externalUserID]
	if !ok {
		account = make(map[chan RealtimeMessage]struct{})
		d.streams[externalUserID] = account
	}
	account[stream] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.drop(externalUserID, stream) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to every stream of its account without blocking; full streams miss it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ExternalUserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for stream := range d.streams[message.ExternalUserID] {
		select {
		case stream <- message:
		default:
		}
	}
}

// PublishAward forwards a ledger award notice.
func (d *RealtimeDispatcher) PublishAward(notice ledger.AwardNotice) {
	d.Publish(RealtimeMessage{
		ExternalUserID: notice.ExternalUserID,
		EventType:      RealtimeEventAward,
		Kind:           notice.Kind.String(),
		Delta:          notice.Delta,
		Points:         notice.Points,
		Timestamp:      notice.AwardedAt,
	})
}

// Subscribers reports how many streams are open for externalUserID.
func (d *RealtimeDispatcher) Subscribers(externalUserID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[externalUserID])
}

func (d *RealtimeDispatcher) drop(externalUserID string, stream chan RealtimeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	account := d.streams[externalUserID]
	delete(account, stream)
	if len(account) == 0 {
		delete(d.streams, externalUserID)
	}
}
