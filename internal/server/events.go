package server

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/metrics"
)

// Event types sent on /api/events.
const (
	EventAnnotationSet     = "annotation_set"
	EventAnnotationCleared = "annotation_cleared"
	EventPropagated        = "propagated"
	EventPropagateSkipped  = "propagate_skipped"
	EventPropagateFailed   = "propagate_failed"
	EventSessionSaved      = "session_saved"
	EventSessionLoaded     = "session_loaded"
	EventStatus            = "status"
)

// Event is one notification for stream clients.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Frame     string         `json:"frame,omitempty"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a new event.
func NewEvent(typ, frame string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Frame:     frame,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Data:      data,
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

func serialize(ev Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	// structpb only takes plain JSON values, so go through the JSON form.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster manages fanout of annotation events to multiple SSE
// clients. Slow clients miss events rather than blocking publishers.
type EventBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	metrics  *metrics.Metrics
	status   func() map[string]any
	interval time.Duration
	stop     chan struct{}
	stopped  bool
}

// NewEventBroadcaster creates a broadcaster. When status is set, a status
// event built from it is sent every interval while clients are connected.
func NewEventBroadcaster(m *metrics.Metrics, status func() map[string]any, interval time.Duration) *EventBroadcaster {
	return &EventBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		metrics:  m,
		status:   status,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *SerializedEvent, 16)
	eb.clients[id] = ch
	if eb.metrics != nil {
		eb.metrics.ActiveStreams.Store(uint64(len(eb.clients)))
	}

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		if eb.metrics != nil {
			eb.metrics.ActiveStreams.Store(uint64(len(eb.clients)))
		}
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// Clients returns the number of subscribed clients.
func (eb *EventBroadcaster) Clients() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients)
}

// Publish serializes ev once and fans it out.
func (eb *EventBroadcaster) Publish(ev Event) {
	if eb.Clients() == 0 {
		return
	}
	se, err := serialize(ev)
	if err != nil {
		logger.Error("EventBroadcaster", "Failed to serialize %s event: %v", ev.Type, err)
		return
	}
	eb.broadcast(se)
}

func (eb *EventBroadcaster) broadcast(event *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, ch := range eb.clients {
		select {
		case ch <- event:
			if eb.metrics != nil {
				eb.metrics.EventsSent.Add(1)
			}
		default:
			// Client too slow, skip this event for this client
			if eb.metrics != nil {
				eb.metrics.EventsDropped.Add(1)
			}
		}
	}
}

// Start begins the periodic status loop.
func (eb *EventBroadcaster) Start() {
	if eb.status == nil || eb.interval <= 0 {
		return
	}
	go eb.run()
}

// Stop halts the status loop and disconnects all clients.
func (eb *EventBroadcaster) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}
	close(eb.stop)
	eb.stopped = true
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
}

func (eb *EventBroadcaster) run() {
	ticker := time.NewTicker(eb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-eb.stop:
			return
		case <-ticker.C:
			if eb.Clients() == 0 {
				continue
			}
			eb.Publish(NewEvent(EventStatus, "", eb.status()))
		}
	}
}
