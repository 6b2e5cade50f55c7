package control

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind starts losing events rather than blocking the
// orchestrator.
const subscriberBuffer = 64

// Event is the typed envelope streamed to dashboard subscribers. Type is
// always set; the other fields depend on it.
type Event struct {
	Type       string  `json:"type"`
	Status     string  `json:"status,omitempty"`
	Step       string  `json:"step,omitempty"`
	Message    string  `json:"message,omitempty"`
	Farm       string  `json:"farm,omitempty"`
	Date       string  `json:"date,omitempty"`
	FarmIndex  int     `json:"farmIndex,omitempty"`
	TotalFarms int     `json:"totalFarms,omitempty"`
	Percent    float64 `json:"percent,omitempty"`
	Path       string  `json:"path,omitempty"`
	Manager    string  `json:"manager,omitempty"`
	Count      int     `json:"count,omitempty"`
}

// Progress describes where the orchestrator is within a run.
type Progress struct {
	FarmIndex  int
	TotalFarms int
	FarmName   string
	Step       string
	Percent    float64
}

// Broadcaster fans events out to SSE subscribers. Delivery is in-order per
// subscriber; a full or dead subscriber is skipped, never waited on.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its ID and channel. The
// channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (string, chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish sends e to every subscriber, dropping it for any whose queue is
// full.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) Status(status string) {
	b.Publish(Event{Type: "status", Status: status})
}

func (b *Broadcaster) Step(step, farm, date string) {
	b.Publish(Event{Type: "step", Step: step, Farm: farm, Date: date})
}

func (b *Broadcaster) Progress(p Progress) {
	b.Publish(Event{
		Type:       "progress",
		FarmIndex:  p.FarmIndex,
		TotalFarms: p.TotalFarms,
		Farm:       p.FarmName,
		Step:       p.Step,
		Percent:    p.Percent,
	})
}

func (b *Broadcaster) Logf(format string, args ...any) {
	b.Publish(Event{Type: "log", Message: fmt.Sprintf(format, args...)})
}

func (b *Broadcaster) Screenshot(path string) {
	b.Publish(Event{Type: "screenshot", Path: path})
}

func (b *Broadcaster) Manager(name string) {
	b.Publish(Event{Type: "manager", Manager: name})
}

func (b *Broadcaster) ReportUpdate(farm, date, status string) {
	b.Publish(Event{Type: "report_update", Farm: farm, Date: date, Status: status})
}

func (b *Broadcaster) FarmCount(total int) {
	b.Publish(Event{Type: "update_farm_count", Count: total})
}
