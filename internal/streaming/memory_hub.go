package streaming

import (
	"context"
	"sync"

	"github.com/fabula-ai/fabula/pkg/schema"
)

const defaultChannelBuffer = 64

// kindVocabulary is every event kind the engine emits. Subscriptions
// are checked against it: a misspelled kind would otherwise match
// nothing and the subscriber would sit on a silent channel forever.
var kindVocabulary = map[string]struct{}{
	schema.EventRunStarted:        {},
	schema.EventRunCompleted:      {},
	schema.EventRunError:          {},
	schema.EventRunPaused:         {},
	schema.EventRunResumed:        {},
	schema.EventRunAborted:        {},
	schema.EventStateEnter:        {},
	schema.EventStateComplete:     {},
	schema.EventTransition:        {},
	schema.EventCircuitAutoSkip:   {},
	schema.EventCircuitAbort:      {},
	schema.EventApprovalRequested: {},
	schema.EventApprovalResolved:  {},
	schema.EventApprovalTimeout:   {},
	schema.EventAgentInvoked:      {},
	schema.EventAgentFailed:       {},
}

// subscriber is one attached stream: its delivery channel plus the
// run/kind criteria it asked for. A nil kind set means all kinds.
type subscriber struct {
	ch    chan StreamEvent
	runID string
	kinds map[string]struct{}
}

func (s *subscriber) wants(e StreamEvent) bool {
	if s.runID != "" && s.runID != e.RunID {
		return false
	}
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[e.Kind]
	return ok
}

// MemoryHub is an in-process EventHub fanning run events out to
// attached subscribers over buffered channels.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe attaches a stream for the given filter. Unknown kinds in
// the filter are rejected. The returned cancel detaches the subscriber
// and closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var kinds map[string]struct{}
	if len(filter.Kinds) > 0 {
		kinds = make(map[string]struct{}, len(filter.Kinds))
		for _, k := range filter.Kinds {
			if _, known := kindVocabulary[k]; !known {
				return nil, nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown event kind %q", k)
			}
			kinds[k] = struct{}{}
		}
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{ch: ch, runID: filter.RunID, kinds: kinds}
	h.mu.Unlock()

	// Closing under the write lock excludes in-flight Publish sends,
	// which hold the read lock.
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}

	return ch, cancel, nil
}
