package trust

import (
	"sync"
	"time"

	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

// Event describes one committed trust change.
type Event struct {
	CreatorID string
	Action    models.Action
	Previous  models.TrustLevel
	Current   models.TrustLevel
	At        time.Time
}

// Handler receives trust-change events. Handlers run synchronously after the
// change is durable and must not call back into mutating Manager methods.
type Handler func(Event)

type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func (h *hub) subscribe(fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]Handler{}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) emit(ev Event) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("creator", ev.CreatorID).Msg("trust event handler panicked")
				}
			}()
			fn(ev)
		}()
	}
}
