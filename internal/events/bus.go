// Package events fans lifecycle notifications out to subscribers.
// Delivery is at-most-once: Publish never blocks, and a subscriber whose
// buffer is full misses the event.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type identifies an event.
type Type string

// Event types.
const (
	BackupProgress      Type = "backupProgress"
	RestoreProgress     Type = "restoreProgress"
	BackupCompleted     Type = "backupCompleted"
	VersionCreated      Type = "versionCreated"
	VersionRestored     Type = "versionRestored"
	VersionDeleted      Type = "versionDeleted"
	CompressionProgress Type = "compressionProgress"
	FileShared          Type = "fileShared"
	CDNSettingsChanged  Type = "cdnSettingsChanged"
)

// Event is a single notification. Data is any JSON-serializable payload.
type Event struct {
	Type Type        `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Progress is the payload of backupProgress and restoreProgress.
type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Compression is the payload of compressionProgress.
type Compression struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// VersionRef is the payload of versionDeleted.
type VersionRef struct {
	FileID    string `json:"fileId"`
	VersionID string `json:"versionId"`
}

// FileShare is the payload of fileShared, one per recipient.
type FileShare struct {
	UserID      string   `json:"userId"`
	ShareID     string   `json:"shareId"`
	FileID      string   `json:"fileId"`
	SharedBy    string   `json:"sharedBy"`
	Permissions []string `json:"permissions"`
	Message     string   `json:"message,omitempty"`
}

// Publisher is what the lifecycle services depend on.
type Publisher interface {
	Publish(Type, interface{})
}

// Subscription receives events until closed.
type Subscription struct {
	C chan Event

	bus  *Bus
	once sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	subs map[*Subscription]struct{}
	mu   sync.RWMutex
	now  func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{C: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	log.Debug().Int("subscribers", n).Msg("event subscriber attached")
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.C)
		log.Debug().Int("subscribers", len(b.subs)).Msg("event subscriber detached")
	}
}

// Publish delivers an event to every subscriber with buffer space.
// A nil bus is a no-op.
func (b *Bus) Publish(t Type, data interface{}) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Time: b.now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- ev:
		default:
			log.Debug().Str("event", string(t)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Encode renders an event as an SSE frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+len(ev.Type)+16)
	out = append(out, "event: "...)
	out = append(out, ev.Type...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Type, interface{}) {}
