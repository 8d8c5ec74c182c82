package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
)

const (
	RealtimeEventHighlightsRefreshed = "highlights-refreshed"
	realtimeEventHeartbeat           = "heartbeat"
	realtimeHeartbeatInterval        = 25 * time.Second
)

// RealtimeMessage is one event fanned out to a book's subscribers.
type RealtimeMessage struct {
	Book         catalog.BookRef
	EventType    string
	Materialized int
	Timestamp    time.Time
}

// RealtimeDispatcher fans events out to subscribers of a book. Slow
// subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers for book's events until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, book catalog.BookRef) (<-chan RealtimeMessage, func()) {
	key := book.Key()
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}

	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its book.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" || !message.Book.Type.Valid() {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Book.Key()]
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// HighlightsRefreshed implements highlights.Notifier.
func (d *RealtimeDispatcher) HighlightsRefreshed(book catalog.BookRef, result highlights.RunResult) {
	d.Publish(RealtimeMessage{
		Book:         book,
		EventType:    RealtimeEventHighlightsRefreshed,
		Materialized: result.Materialized,
		Timestamp:    d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) subscriberCount(book catalog.BookRef) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[book.Key()])
}

func (d *RealtimeDispatcher) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[key]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, key)
	}
}
