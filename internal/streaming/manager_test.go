package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("g1", 4)
	defer m.Unsubscribe("g1", ch)

	m.Publish(Event{Key: "g1", Type: TypeStatus, Message: "started"})
	m.Publish(Event{Key: "g2", Type: TypeStatus, Message: "other key"})

	evt := <-ch
	require.Equal(t, "g1", evt.Key)
	require.Equal(t, "started", evt.Message)
	require.Len(t, ch, 0)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		m.Publish(Event{Key: "g1", Type: TypeText})
	}
	// Ring holds 4, seqs 2..5.
	events := m.ReplaySince("g1", 3)
	require.Len(t, events, 2)
	require.Equal(t, uint64(4), events[0].Seq)
	require.Equal(t, uint64(5), events[1].Seq)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("g1", 1)
	defer m.Unsubscribe("g1", ch)

	m.Publish(Event{Key: "g1", Type: TypeText, Message: "a"})
	m.Publish(Event{Key: "g1", Type: TypeText, Message: "b"}) // dropped, buffer full

	evt := <-ch
	require.Equal(t, "a", evt.Message)
	require.Len(t, ch, 0)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(8)
	m.Publish(Event{Key: "g1", Type: TypeText})
	m.Forget("g1")
	require.Nil(t, m.ReplaySince("g1", 0))
}
