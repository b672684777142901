package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

type ListenerID string

type Listener[T any] func(T)

type Options struct {
	// DedupGlobally compares each emission with the previous one instead of
	// with what every listener last observed.
	DedupGlobally bool
	// SkipReplay stops late listeners from receiving the last emitted value.
	SkipReplay bool
	// AlwaysDeliver turns deduplication off, for values such as errors whose
	// JSON form does not identify them.
	AlwaysDeliver bool
	Logger        *zerolog.Logger
}

type entry[T any] struct {
	id       ListenerID
	fn       Listener[T]
	lastSeen string
}

// Handler fans a value out to its listeners, skipping listeners that have
// already observed an identical value.
type Handler[T any] struct {
	mu        sync.Mutex
	opts      Options
	log       zerolog.Logger
	listeners []*entry[T]
	emitted   bool
	last      T
	lastID    string
}

func NewHandler[T any](opts Options) *Handler[T] {
	return &Handler[T]{opts: opts, log: logger.OrNop(opts.Logger)}
}

// UpdateID returns the content identity of a value: its JSON form with
// object keys sorted.
func UpdateID(value interface{}) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%#v", value)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

func (h *Handler[T]) HasListeners() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners) > 0
}

// Add registers a listener and returns the id used to remove it.
func (h *Handler[T]) Add(listener Listener[T]) ListenerID {
	e := &entry[T]{
		id: ListenerID(uuid.Must(uuid.NewV4()).String()),
		fn: listener,
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, e)
	replay := h.emitted && !h.opts.SkipReplay
	last := h.last
	if replay {
		e.lastSeen = h.lastID
	}
	h.mu.Unlock()

	if replay {
		h.call(e, last)
	}
	return e.id
}

// Delete removes a listener. Unknown ids are ignored.
func (h *Handler[T]) Delete(id ListenerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.listeners {
		if e.id == id {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers value to every listener that has not observed it yet.
func (h *Handler[T]) Emit(value T) {
	updateID := UpdateID(value)

	h.mu.Lock()
	if !h.opts.AlwaysDeliver && h.opts.DedupGlobally && h.emitted && h.lastID == updateID {
		h.mu.Unlock()
		return
	}
	h.emitted = true
	h.last = value
	h.lastID = updateID
	targets := make([]*entry[T], 0, len(h.listeners))
	for _, e := range h.listeners {
		if e.lastSeen == updateID && !h.opts.AlwaysDeliver {
			continue
		}
		e.lastSeen = updateID
		targets = append(targets, e)
	}
	h.mu.Unlock()

	for _, e := range targets {
		h.call(e, value)
	}
}

func (h *Handler[T]) call(e *entry[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn().Str("listener", string(e.id)).Interface("panic", r).Msg("event listener panicked")
		}
	}()
	e.fn(value)
}
