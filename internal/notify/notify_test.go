package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequencePerTable(t *testing.T) {
	m := NewManager(8)

	ev1 := m.Publish("orders", "1", KindCreate, map[string]any{"id": int64(1)})
	ev2 := m.Publish("orders", "1", KindUpdate, map[string]any{"id": int64(1)})
	other := m.Publish("items", "9", KindCreate, nil)

	assert.EqualValues(t, 1, ev1.Seq)
	assert.EqualValues(t, 2, ev2.Seq)
	assert.EqualValues(t, 1, other.Seq, "sequences are per table")
	assert.EqualValues(t, 2, m.Sequence("orders"))
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	m := NewManager(8)
	sub := m.Subscribe("orders", "")
	defer m.Close(sub)

	for i := 0; i < 5; i++ {
		m.Publish("orders", "1", KindUpdate, nil)
	}
	for want := uint64(1); want <= 5; want++ {
		ev := <-sub.Events()
		assert.Equal(t, want, ev.Seq)
		sub.Advance(ev.Seq)
	}
	assert.EqualValues(t, 5, sub.Cursor())
}

func TestRecordFilter(t *testing.T) {
	m := NewManager(8)
	sub := m.Subscribe("orders", "7")
	defer m.Close(sub)

	m.Publish("orders", "1", KindUpdate, nil)
	m.Publish("orders", "7", KindUpdate, nil)
	m.Publish("orders", "2", KindDelete, nil)
	m.Publish("orders", "7", KindDelete, nil)

	ev := <-sub.Events()
	assert.Equal(t, "7", ev.RecordID)
	assert.Equal(t, KindUpdate, ev.Kind)
	ev = <-sub.Events()
	assert.Equal(t, "7", ev.RecordID)
	assert.Equal(t, KindDelete, ev.Kind)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for record %s", ev.RecordID)
	default:
	}
}

func TestSlowConsumerIsEvictedNotBlocked(t *testing.T) {
	m := NewManager(2)
	sub := m.Subscribe("orders", "")

	// nobody reads; the third publish overflows the buffer
	m.Publish("orders", "1", KindCreate, nil)
	m.Publish("orders", "2", KindCreate, nil)
	done := make(chan struct{})
	go func() {
		m.Publish("orders", "3", KindCreate, nil)
		close(done)
	}()
	<-done

	assert.Equal(t, StateClosed, sub.State())
	assert.True(t, sub.Evicted())

	// the two buffered events are still readable, then the channel closes
	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Seq)
	ev, ok = <-sub.Events()
	require.True(t, ok)
	assert.EqualValues(t, 2, ev.Seq)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	// further publishes proceed and skip the evicted subscription
	ev4 := m.Publish("orders", "4", KindCreate, nil)
	assert.EqualValues(t, 4, ev4.Seq)
}

func TestDrainKeepsBufferedEvents(t *testing.T) {
	m := NewManager(8)
	sub := m.Subscribe("orders", "")

	m.Publish("orders", "1", KindCreate, nil)
	m.Publish("orders", "1", KindUpdate, nil)

	m.Drain(sub)
	assert.Equal(t, StateDraining, sub.State())
	assert.False(t, sub.Evicted())

	// events published after draining are not admitted
	m.Publish("orders", "1", KindDelete, nil)

	var got []Kind
	for ev := range sub.Events() {
		got = append(got, ev.Kind)
	}
	assert.Equal(t, []Kind{KindCreate, KindUpdate}, got)

	m.Close(sub)
	assert.Equal(t, StateClosed, sub.State())
}

func TestCloseActiveDropsBuffer(t *testing.T) {
	m := NewManager(8)
	sub := m.Subscribe("orders", "")
	m.Publish("orders", "1", KindCreate, nil)

	m.Close(sub)
	assert.Equal(t, StateClosed, sub.State())

	// double close is a no-op
	m.Close(sub)
	m.Drain(sub)
}

func TestConcurrentPublishNoGapsNoDuplicates(t *testing.T) {
	m := NewManager(1024)
	sub := m.Subscribe("orders", "")
	defer m.Close(sub)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m.Publish("orders", "1", KindUpdate, nil)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < writers*perWriter; i++ {
		ev := <-sub.Events()
		require.False(t, seen[ev.Seq], "duplicate sequence %d", ev.Seq)
		seen[ev.Seq] = true
	}
	for seq := uint64(1); seq <= writers*perWriter; seq++ {
		assert.True(t, seen[seq], "missing sequence %d", seq)
	}
}

func TestKindJSON(t *testing.T) {
	b, err := KindCreate.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"create"`, string(b))
	assert.Equal(t, "delete", KindDelete.String())
}
