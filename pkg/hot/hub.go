package hot

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Subscribe and Publish on a closed hub.
var ErrClosed = errors.New("hot: hub closed")

const subscriberBuffer = 16

type subscriber struct {
	ch     chan *Notification
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub fans notifications out to every subscriber. A subscriber that does not
// keep up loses notifications instead of blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	last        *Notification
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: map[*subscriber]struct{}{}}
}

// Subscribe returns a channel receiving every notification published after
// the call. The channel is closed when ctx is done or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context) (<-chan *Notification, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan *Notification, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	h.subscribers[sub] = struct{}{}

	go func() {
		<-subCtx.Done()
		h.unsubscribe(sub)
	}()

	log.Debug().Int("subscribers", len(h.subscribers)).Msg("hot: subscribed")
	return sub.ch, nil
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers n to every subscriber without blocking.
func (h *Hub) Publish(n *Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.last = n

	for sub := range h.subscribers {
		select {
		case sub.ch <- n:
		case <-sub.ctx.Done():
		default:
			log.Warn().Str("notification", n.ID).Msg("hot: subscriber buffer full, dropping notification")
		}
	}
	return nil
}

// Last returns the most recently published notification, or nil.
func (h *Hub) Last() *Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Further calls are no-ops.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(h.subscribers, sub)
	}
	return nil
}
