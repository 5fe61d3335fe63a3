package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	defer sub.Close()

	b.Publish(BackupProgress, Progress{Percentage: 50, Message: "Uploading archive"})

	ev := <-sub.C
	assert.Equal(t, BackupProgress, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, Progress{Percentage: 50, Message: "Uploading archive"}, ev.Data)
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Publish(VersionCreated, 1)
	b.Publish(VersionCreated, 2)

	ev := <-sub.C
	assert.Equal(t, 1, ev.Data)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	subs := []*Subscription{b.Subscribe(1), b.Subscribe(1), b.Subscribe(1)}
	assert.Equal(t, 3, b.Subscribers())

	b.Publish(VersionDeleted, VersionRef{FileID: "f1", VersionID: "v1"})
	for _, s := range subs {
		ev := <-s.C
		assert.Equal(t, VersionDeleted, ev.Type)
		s.Close()
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	// Publishing after close must not panic.
	b.Publish(BackupCompleted, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1000)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(CompressionProgress, Compression{Completed: j, Total: 50})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sub.C, 500)
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(BackupProgress, nil)
}

func TestEncode(t *testing.T) {
	frame, err := Encode(Event{Type: VersionDeleted, Data: VersionRef{FileID: "f1", VersionID: "v2"}})
	require.NoError(t, err)
	assert.Equal(t, "event: versionDeleted\ndata: {\"fileId\":\"f1\",\"versionId\":\"v2\"}\n\n", string(frame))
}
