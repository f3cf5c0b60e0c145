package httpapi

import (
	"encoding/json"
	"sync"
)

// broker is the process-wide topic registry bridging message creation to open
// SSE streams. One set of subscriber channels per conversation id; entries are
// created on first subscribe and dropped when the last subscriber leaves.
// Nothing here is persistent — a restart empties the registry and reconnecting
// clients catch up from the backlog.
type broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan []byte]struct{}
	bufSize int
}

func newBroker(bufSize int) *broker {
	if bufSize < 1 {
		bufSize = 1
	}
	return &broker{subs: map[string]map[chan []byte]struct{}{}, bufSize: bufSize}
}

func (b *broker) subscribe(conversationID string) chan []byte {
	ch := make(chan []byte, b.bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[conversationID]
	if m == nil {
		m = map[chan []byte]struct{}{}
		b.subs[conversationID] = m
	}
	m[ch] = struct{}{}
	metricSubscribers.Inc()
	return ch
}

// unsubscribe removes and closes the channel. Calling it again, or with a
// channel that was never subscribed, is a no-op — disconnect paths race and
// must not panic.
func (b *broker) unsubscribe(conversationID string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[conversationID]
	if m == nil {
		return
	}
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	close(ch)
	metricSubscribers.Dec()
	if len(m) == 0 {
		delete(b.subs, conversationID)
	}
}

// publish serializes the event once and hands the same bytes to every
// subscriber of the conversation. It never blocks and never returns an error
// to the caller: a full subscriber buffer drops the frame for that subscriber
// only, and the reconnect backlog covers the gap.
func (b *broker) publish(conversationID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		logErrorNoCtx("broker: marshal event failed", err)
		return
	}

	metricMessagesPublished.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[conversationID] {
		select {
		case ch <- payload:
		default:
			metricFramesDropped.Inc()
		}
	}
}

// subscribers reports the current set size for one conversation.
func (b *broker) subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}
