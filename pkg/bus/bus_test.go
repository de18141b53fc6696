package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/models"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesMatchingKinds(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(KindTaskCreated, KindTaskCompleted)
	defer unsub()

	b.Publish(TaskEvent(KindTaskCreated, 1, models.TaskPending))
	b.Publish(AgentEvent(KindHeartbeat, "A1", "10.0.0.5:9090")) // filtered out
	b.Publish(TaskEvent(KindTaskCompleted, 1, models.TaskCompleted))

	ev := recvEvent(t, ch)
	assert.Equal(t, KindTaskCreated, ev.Kind)
	require.NotNil(t, ev.Task)
	assert.Equal(t, int64(1), ev.Task.TaskID)

	ev = recvEvent(t, ch)
	assert.Equal(t, KindTaskCompleted, ev.Kind)
}

func TestSubscribeAllKinds(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(AgentEvent(KindAgentLost, "A1", ""))
	ev := recvEvent(t, ch)
	assert.Equal(t, KindAgentLost, ev.Kind)
	require.NotNil(t, ev.Agent)
	assert.Equal(t, "A1", ev.Agent.Name)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(KindHeartbeat)
	unsub()
	unsub() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(AgentEvent(KindHeartbeat, "A1", ""))
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(KindHeartbeat)
	defer unsub()

	// Overfill the subscriber buffer; Publish must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(AgentEvent(KindHeartbeat, "A1", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()
	b.Close()
	b.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel.
	ch2, _ := b.Subscribe()
	_, open = <-ch2
	assert.False(t, open)
}
