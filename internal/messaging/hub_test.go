package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFiltersByTab(t *testing.T) {
	hub := NewHub()
	tab1 := hub.Subscribe(1, 4)
	tab2 := hub.Subscribe(2, 4)
	all := hub.Subscribe(0, 4)
	defer tab1.Close()
	defer tab2.Close()
	defer all.Close()

	hub.Publish(Notification{Action: ActionStatus, TabID: 1, Data: Status{Message: "hi"}})
	hub.Publish(Notification{Action: ActionUpdateRecentConversions})

	assert.Len(t, tab1.C, 2)
	assert.Len(t, tab2.C, 1)
	assert.Len(t, all.C, 2)

	n := <-tab2.C
	assert.Equal(t, ActionUpdateRecentConversions, n.Action)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(0, 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		hub.Publish(Notification{Action: "a"})
		hub.Publish(Notification{Action: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	n := <-sub.C
	assert.Equal(t, "a", n.Action)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(5, 0)
	require.Equal(t, 1, hub.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-sub.C
	assert.False(t, open)
}

func TestLocalListenerClosesWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := LocalListener{Hub: hub}.Listen(ctx, 9)
	require.NoError(t, err)

	hub.Publish(Notification{Action: ActionPreferencesChanged, TabID: 9})
	n := <-ch
	assert.Equal(t, ActionPreferencesChanged, n.Action)

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
