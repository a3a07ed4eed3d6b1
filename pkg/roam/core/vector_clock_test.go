package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jabolina/go-roam/pkg/roam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type delivered struct {
	mutex    sync.Mutex
	messages []types.Message
}

func (d *delivered) add(message types.Message) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.messages = append(d.messages, message)
}

func (d *delivered) texts() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var values []string
	for _, message := range d.messages {
		values = append(values, message.Text)
	}
	return values
}

func (d *delivered) size() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.messages)
}

func TestVectorClock_SendIncrementsPerDestination(t *testing.T) {
	clock := NewVectorClock("a", func(types.Message) {})
	defer clock.Close()

	first := clock.SendMessage("one", "b")
	second := clock.SendMessage("two", "b")
	other := clock.SendMessage("three", "c")

	assert.Equal(t, uint64(1), first.Count)
	assert.Equal(t, uint64(2), second.Count)
	assert.Equal(t, uint64(1), other.Count)
	assert.Equal(t, types.ProcessID("a"), second.SenderID)

	sent, received := clock.Dump()
	assert.Equal(t, map[types.ProcessID]uint64{"b": 2, "c": 1}, sent)
	assert.Empty(t, received)
}

func TestVectorClock_DeliversInSendOrder(t *testing.T) {
	var output delivered
	sender := NewVectorClock("b", func(types.Message) {})
	receiver := NewVectorClock("a", output.add)
	defer sender.Close()
	defer receiver.Close()

	b1 := sender.SendMessage("b1", "a")
	b2 := sender.SendMessage("b2", "a")
	b3 := sender.SendMessage("b3", "a")

	receiver.ReceiveMessage(b3)
	receiver.ReceiveMessage(b2)
	require.Equal(t, 0, output.size())
	require.Equal(t, 2, receiver.Pending())

	receiver.ReceiveMessage(b1)
	require.Equal(t, []string{"b1", "b2", "b3"}, output.texts())
	require.Equal(t, 0, receiver.Pending())

	_, received := receiver.Dump()
	require.Equal(t, uint64(3), received["b"])
}

func TestVectorClock_SendersAreIndependent(t *testing.T) {
	var output delivered
	receiver := NewVectorClock("a", output.add)
	defer receiver.Close()

	receiver.ReceiveMessage(types.Message{SenderID: "b", Text: "b2", Count: 2})
	receiver.ReceiveMessage(types.Message{SenderID: "c", Text: "c1", Count: 1})
	require.Equal(t, []string{"c1"}, output.texts())

	receiver.ReceiveMessage(types.Message{SenderID: "b", Text: "b1", Count: 1})
	require.Equal(t, []string{"c1", "b1", "b2"}, output.texts())
}

func TestVectorClock_DuplicatesPassedOver(t *testing.T) {
	var output delivered
	receiver := NewVectorClock("a", output.add)
	defer receiver.Close()

	message := types.Message{SenderID: "b", Text: "b1", Count: 1}
	receiver.ReceiveMessage(message)
	receiver.ReceiveMessage(message)

	delayed := types.Message{SenderID: "b", Text: "b3", Count: 3}
	receiver.ReceiveMessage(delayed)
	receiver.ReceiveMessage(delayed)
	require.Equal(t, 1, receiver.Pending())

	receiver.ReceiveMessage(types.Message{SenderID: "b", Text: "b2", Count: 2})
	require.Equal(t, []string{"b1", "b2", "b3"}, output.texts())

	// Replaying an old message never moves the counter backwards.
	receiver.ReceiveMessage(message)
	_, received := receiver.Dump()
	require.Equal(t, uint64(3), received["b"])
	require.Equal(t, 3, output.size())
}

func TestVectorClock_DumpAndLoad(t *testing.T) {
	var output delivered
	origin := NewVectorClock(types.ServerID, func(types.Message) {})
	defer origin.Close()

	origin.ReceiveMessage(types.Message{SenderID: "b", Count: 1})
	origin.ReceiveMessage(types.Message{SenderID: "b", Count: 2})
	origin.SendMessage("hi", "b")
	sent, received := origin.Dump()

	target := NewVectorClock(types.ServerID, output.add)
	defer target.Close()
	target.ReceiveMessage(types.Message{SenderID: "b", Text: "b4", Count: 4})
	target.LoadFrom(sent, received)
	require.Equal(t, 0, output.size())

	target.ReceiveMessage(types.Message{SenderID: "b", Text: "b3", Count: 3})
	require.Equal(t, []string{"b3", "b4"}, output.texts())

	next := target.SendMessage("again", "b")
	require.Equal(t, uint64(2), next.Count)

	// Loading lower values keeps the local ones.
	target.LoadFrom(map[types.ProcessID]uint64{"b": 1}, map[types.ProcessID]uint64{"b": 1})
	sent, received = target.Dump()
	require.Equal(t, uint64(2), sent["b"])
	require.Equal(t, uint64(4), received["b"])
}

func TestVectorClock_LoadDeliversReadyMessages(t *testing.T) {
	var output delivered
	clock := NewVectorClock("a", output.add)
	defer clock.Close()

	clock.ReceiveMessage(types.Message{SenderID: "b", Text: "b3", Count: 3})
	clock.LoadFrom(nil, map[types.ProcessID]uint64{"b": 2})
	require.Equal(t, []string{"b3"}, output.texts())
}

func TestVectorClock_ConcurrentSenders(t *testing.T) {
	var output delivered
	receiver := NewVectorClock("a", output.add)
	defer receiver.Close()

	senders := 10
	messages := 100
	group := &sync.WaitGroup{}
	group.Add(senders)
	for i := 0; i < senders; i++ {
		sender := types.ProcessID(fmt.Sprintf("sender-%d", i))
		go func() {
			defer group.Done()
			// Sent backwards, everything is delayed until the first.
			for count := messages; count > 0; count-- {
				receiver.ReceiveMessage(types.Message{SenderID: sender, Count: uint64(count)})
			}
		}()
	}
	group.Wait()

	require.Equal(t, senders*messages, output.size())
	last := make(map[types.ProcessID]uint64)
	output.mutex.Lock()
	defer output.mutex.Unlock()
	for _, message := range output.messages {
		require.Equal(t, last[message.SenderID]+1, message.Count)
		last[message.SenderID] = message.Count
	}
}

func TestVectorClock_EvictsExpiredDelayed(t *testing.T) {
	defer goleak.VerifyNone(t)

	evicted := make(chan types.Message, 1)
	clock := NewVectorClock("a", func(types.Message) {},
		WithDelayedTTL(50*time.Millisecond),
		WithEvictionListener(func(message types.Message) {
			evicted <- message
		}))
	defer clock.Close()

	clock.ReceiveMessage(types.Message{SenderID: "b", Text: "b2", Count: 2})
	require.Equal(t, 1, clock.Pending())

	select {
	case message := <-evicted:
		require.Equal(t, "b2", message.Text)
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed message not evicted")
	}
	require.Equal(t, 0, clock.Pending())
}

func TestVectorClock_DeliveredNotEvicted(t *testing.T) {
	defer goleak.VerifyNone(t)

	var output delivered
	evicted := make(chan types.Message, 1)
	clock := NewVectorClock("a", output.add,
		WithDelayedTTL(100*time.Millisecond),
		WithEvictionListener(func(message types.Message) {
			evicted <- message
		}))
	defer clock.Close()

	clock.ReceiveMessage(types.Message{SenderID: "b", Text: "b2", Count: 2})
	clock.ReceiveMessage(types.Message{SenderID: "b", Text: "b1", Count: 1})
	require.Equal(t, []string{"b1", "b2"}, output.texts())

	select {
	case message := <-evicted:
		t.Fatalf("delivered message %#v evicted", message)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestVectorClock_CloseWaitsEviction(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	var finished atomic.Bool
	clock := NewVectorClock("a", func(types.Message) {},
		WithDelayedTTL(20*time.Millisecond),
		WithEvictionListener(func(types.Message) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
		}))

	clock.ReceiveMessage(types.Message{SenderID: "b", Text: "b2", Count: 2})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed message not evicted")
	}

	clock.Close()
	require.True(t, finished.Load())
}
