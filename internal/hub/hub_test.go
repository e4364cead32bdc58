package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"plantpod-gateway/internal/data"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func snapWith(n int) data.Snapshot {
	s := data.EmptySnapshot("pod")
	for i := 0; i < n; i++ {
		s.Members[fmt.Sprintf("m%d", i)] = data.MemberReading{}
	}
	return s
}

func drain(sub *Subscription) []int {
	var sizes []int
	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return sizes
			}
			sizes = append(sizes, len(s.Members))
		default:
			return sizes
		}
	}
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	h := NewHub(32, nil)
	a := h.Subscribe("pod")
	b := h.Subscribe("pod")
	defer a.Close()
	defer b.Close()

	for i := 1; i <= 10; i++ {
		h.Publish("pod", snapWith(i))
	}

	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, want, drain(a))
	assert.Equal(t, want, drain(b))
}

func TestPublishIsScopedToGroup(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe("pod-a")
	defer a.Close()

	h.Publish("pod-b", snapWith(1))
	assert.Empty(t, drain(a))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(2, nil)
	slow := h.Subscribe("pod")
	fast := h.Subscribe("pod")
	defer slow.Close()
	defer fast.Close()

	var got []int
	for i := 1; i <= 5; i++ {
		h.Publish("pod", snapWith(i))
		got = append(got, drain(fast)...)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got, "a reading subscriber loses nothing")
	assert.Equal(t, []int{4, 5}, drain(slow), "the stalled subscriber keeps the newest")
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
}

func TestCloseIsIdempotentAndRemovesTopic(t *testing.T) {
	h := NewHub(4, nil)
	sub := h.Subscribe("pod")
	assert.Equal(t, 1, h.Subscribers("pod"))

	sub.Close()
	sub.Close()
	h.Publish("pod", snapWith(1))

	assert.Equal(t, 0, h.Subscribers("pod"))
	_, open := <-sub.C()
	assert.False(t, open)

	h.mu.RLock()
	assert.Empty(t, h.topics)
	h.mu.RUnlock()

	again := h.Subscribe("pod")
	defer again.Close()
	h.Publish("pod", snapWith(2))
	assert.Equal(t, []int{2}, drain(again))
}

func TestSubscribeFuncHandlerDoesNotStallOthers(t *testing.T) {
	h := NewHub(1, nil)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	unsubscribe := h.SubscribeFunc("pod", func(data.Snapshot) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	other := h.Subscribe("pod")
	defer other.Close()

	h.Publish("pod", snapWith(1))
	<-entered
	for i := 2; i <= 6; i++ {
		h.Publish("pod", snapWith(i))
	}

	select {
	case s := <-other.C():
		assert.Len(t, s.Members, 6)
	case <-time.After(time.Second):
		t.Fatal("publisher blocked behind a stalled handler")
	}

	unsubscribe()
	unsubscribe()
	close(release)
}

func TestCloseRacesWithPublish(t *testing.T) {
	h := NewHub(1, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish("pod", snapWith(1))
			}
		}
	}()

	for i := 0; i < 200; i++ {
		sub := h.Subscribe("pod")
		if i%2 == 0 {
			go sub.Close()
		}
		sub.Close()
	}
	close(stop)
	wg.Wait()

	require.Equal(t, 0, h.Subscribers("pod"))
}
