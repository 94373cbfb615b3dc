// Package events carries typed backend notifications to whoever is listening:
// the websocket transport, tests, or an embedding UI.
//
// Publishing never blocks. Each subscriber owns a bounded channel; when a
// subscriber falls behind, events addressed to it are dropped and counted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Name identifies an event type on the wire.
type Name string

const (
	ModelDownloadProgress     Name = "model-download-progress"
	ModelDownloadComplete     Name = "model-download-complete"
	ModelExtractionStarted    Name = "model-extraction-started"
	ModelExtractionCompleted  Name = "model-extraction-completed"
	ModelExtractionFailed     Name = "model-extraction-failed"
	ModelStateChanged         Name = "model-state-changed"
	FileTranscriptionProgress Name = "file-transcription-progress"
	TranscriptionComplete     Name = "transcription-complete"
	TranscriptionPartial      Name = "transcription-partial"
	ShowErrorDialog           Name = "show-error-dialog"
	RecordingStateChanged     Name = "recording-state-changed"
	HistoryUpdated            Name = "history-updated"
)

// Event is a single notification. Payload must be JSON-serialisable.
type Event struct {
	Name    Name      `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// DownloadProgress is the payload of [ModelDownloadProgress].
type DownloadProgress struct {
	ModelID    string  `json:"modelId"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ModelRef is the payload of the download-complete and extraction events.
type ModelRef struct {
	ModelID string `json:"modelId"`
	Error   string `json:"error,omitempty"`
}

// ModelState is the payload of [ModelStateChanged].
type ModelState struct {
	EventType string `json:"eventType"`
	ModelID   string `json:"modelId,omitempty"`
	ModelName string `json:"modelName,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Model state event types.
const (
	LoadingStarted   = "loading_started"
	LoadingCompleted = "loading_completed"
	LoadingFailed    = "loading_failed"
	Unloaded         = "unloaded"
)

// FileProgress is the payload of [FileTranscriptionProgress].
type FileProgress struct {
	Path     string  `json:"path"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// Transcription is the payload of [TranscriptionComplete].
type Transcription struct {
	Text      string `json:"text"`
	FileName  string `json:"fileName,omitempty"`
	HistoryID int64  `json:"historyId,omitempty"`
}

// Partial is the payload of [TranscriptionPartial]: the transcript of the
// most recent window of a recording still in progress.
type Partial struct {
	Text         string  `json:"text"`
	AudioSeconds float64 `json:"audioSeconds"`
}

// ErrorDialog is the payload of [ShowErrorDialog].
type ErrorDialog struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RecordingState is the payload of [RecordingStateChanged].
type RecordingState struct {
	State string `json:"state"`
}

// HistoryChange is the payload of [HistoryUpdated].
type HistoryChange struct {
	Action string `json:"action"`
	ID     int64  `json:"id,omitempty"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans published events out to subscribers. The zero value is not usable;
// create one with [NewBus].
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	dropped atomic.Int64
	onDrop  func(Name)
}

var _ Publisher = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropHook registers fn to be called (on the publishing goroutine) for
// every event dropped because a subscriber buffer was full.
func WithDropHook(fn func(Name)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus returns an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[string]*Subscription)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(name Name, payload any) {
	b.Publish(Event{Name: name, Payload: payload, Time: time.Now()})
}

// Publish delivers e to every subscriber whose filter accepts it.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.accepts(e.Name) {
			continue
		}
		if !s.deliver(e) {
			b.dropped.Add(1)
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e.Name)
			}
		}
	}
}

// Subscribe registers a subscriber with a channel of the given capacity.
// With no names the subscriber receives every event; otherwise only the named
// ones. buffer values below 1 are raised to 1.
func (b *Bus) Subscribe(buffer int, names ...Name) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan Event, buffer),
		bus: b,
	}
	if len(names) > 0 {
		s.filter = make(map[Name]struct{}, len(names))
		for _, n := range names {
			s.filter[n] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	slog.Debug("events: subscriber added", "id", s.id, "buffer", buffer)
	return s
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a registered listener.
type Subscription struct {
	id      string
	ch      chan Event
	filter  map[Name]struct{}
	bus     *Bus
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the channel events arrive on. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe detaches the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription) accepts(n Name) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[n]
	return ok
}

func (s *Subscription) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}
