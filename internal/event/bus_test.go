package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSubscribePublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	unsub := b.Subscribe(SessionCreated, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsub()

	b.Publish(Event{Type: SessionCreated, Data: "a"})
	b.Publish(Event{Type: SessionDeleted, Data: "b"}) // not subscribed

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, SessionCreated, got[0].Type)
	assert.Equal(t, "a", got[0].Data)
	mu.Unlock()
}

func TestBusSubscribeAll(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(Event{Type: SessionCreated})
	b.Publish(Event{Type: MessageCreated})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBusPublishSyncOrdering(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var got []Type
	b.SubscribeAll(func(e Event) {
		got = append(got, e.Type)
	})

	b.PublishSync(Event{Type: SessionState})
	b.PublishSync(Event{Type: AgentState})
	b.PublishSync(Event{Type: MessageCreated})

	assert.Equal(t, []Type{SessionState, AgentState, MessageCreated}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	called := false
	unsub := b.Subscribe(SessionCreated, func(Event) { called = true })
	unsub()

	b.PublishSync(Event{Type: SessionCreated})
	assert.False(t, called)
}

func TestBusCloseDropsPublishes(t *testing.T) {
	b := NewBus()

	called := false
	b.Subscribe(SessionCreated, func(Event) { called = true })
	require.NoError(t, b.Close())

	b.PublishSync(Event{Type: SessionCreated})
	assert.False(t, called)
}
