// Package bus fans progress and terminal events out to subscribed
// clients. Delivery is best-effort: a slow subscriber loses events
// rather than blocking the publisher.
package bus

import (
	"sync"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindCompleted    Kind = "completed"
	KindFailed       Kind = "failed"
	KindCancelled    Kind = "cancelled"
	KindFilesUpdated Kind = "files_updated"
)

// Event is a single notification. JobID is empty for global events.
type Event struct {
	Kind     Kind    `json:"event"`
	JobID    string  `json:"id,omitempty"`
	Line     string  `json:"line,omitempty"`
	Percent  float64 `json:"percent,omitempty"`
	Speed    string  `json:"speed,omitempty"`
	ETA      string  `json:"eta,omitempty"`
	Size     string  `json:"size,omitempty"`
	Title    string  `json:"title,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// subscriber buffer; events beyond this are dropped for that subscriber.
const subscriptionBuffer = 64

// Subscription is an ephemeral relation between one connected client
// and one job id. It also receives global events. Close exactly once.
type Subscription struct {
	C chan Event

	bus   *Bus
	jobID string
	once  sync.Once
}

// Close tears the subscription down and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.C)
	})
}

type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{} // job id -> subscribers
	all  map[*Subscription]struct{}            // every live subscription
}

func New() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
		all:  make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener for one job id. Many subscriptions per
// job are allowed.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, subscriptionBuffer),
		bus:   b,
		jobID: jobID,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[jobID]
	if !ok {
		m = make(map[*Subscription]struct{})
		b.subs[jobID] = m
	}
	m[sub] = struct{}{}
	b.all[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.jobID]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
	delete(b.all, sub)
}

// Publish delivers ev to every subscriber of jobID in the order
// published. Sends never block; a full buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(jobID string, ev Event) {
	ev.JobID = jobID
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// PublishGlobal delivers ev to all live subscriptions regardless of job
// id. Used for the file-listing-changed signal.
func (b *Bus) PublishGlobal(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.all {
		select {
		case sub.C <- ev:
		default:
		}
	}
}
