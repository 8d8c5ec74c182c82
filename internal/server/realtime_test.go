package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	realtimeBook  = catalog.BookRef{Type: catalog.BookTypeEbook, ID: "42"}
	realtimeOther = catalog.BookRef{Type: catalog.BookTypeMagazine, ID: "42"}
)

func TestRealtimeDispatcherDeliversRefreshToBookSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, realtimeBook)
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, realtimeOther)
	defer otherCleanup()

	dispatcher.HighlightsRefreshed(realtimeBook, highlights.RunResult{Book: realtimeBook, Materialized: 3})

	select {
	case received := <-stream:
		assert.Equal(t, RealtimeEventHighlightsRefreshed, received.EventType)
		assert.Equal(t, realtimeBook, received.Book)
		assert.Equal(t, 3, received.Materialized)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}

	select {
	case <-otherStream:
		t.Fatal("did not expect a message for another book")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextEnd(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, realtimeBook)
	require.Equal(t, 1, dispatcher.subscriberCount(realtimeBook))

	cancel()
	require.Eventually(t, func() bool { return dispatcher.subscriberCount(realtimeBook) == 0 },
		time.Second, 10*time.Millisecond)
	cleanup()
}

func TestRealtimeDispatcherDropsWhenSubscriberIsSlow(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, realtimeBook)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize*2; index++ {
		dispatcher.HighlightsRefreshed(realtimeBook, highlights.RunResult{Materialized: index})
	}
	assert.Len(t, stream, dispatcher.bufferSize)
}
