// Package notify implements the client's notification hub: the single
// dispatch point where connection transitions, decoded inbound messages
// and service lifecycle changes converge and fan out to local
// subscriptions.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Category names one class of notification flowing through the hub.
type Category string

// Filter decides whether a published value is delivered to one
// subscription. Filters must not mutate the value; the same instance is
// shared across all entries of a dispatch.
type Filter func(value any) bool

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	// Filter, when set, must return true for a value to be delivered.
	Filter Filter
	// OneTimeOnly removes the subscription after its first delivery.
	OneTimeOnly bool
}

type entry struct {
	id       string
	category Category
	callback Callback
	filter   Filter
	oneTime  bool
}

// Hub holds the live subscriptions and fans published values out to the
// ones that match. Subscribe, Unsubscribe and Publish serialize on one
// mutex: a publish that begins after Subscribe returns sees the new entry,
// and one that begins after Unsubscribe returns never invokes it.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[Category]map[string]*entry
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "NotificationHub").Logger(),
		entries: make(map[Category]map[string]*entry),
	}
}

// Subscribe registers interest in a category and returns the subscription
// id used for cancellation. It always succeeds.
func (h *Hub) Subscribe(category Category, cb Callback, opts SubscribeOptions) string {
	e := &entry{
		id:       uuid.NewString(),
		category: category,
		callback: cb,
		filter:   opts.Filter,
		oneTime:  opts.OneTimeOnly,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.entries[category]
	if !ok {
		byID = make(map[string]*entry)
		h.entries[category] = byID
	}
	byID[e.id] = e
	return e.id
}

// Unsubscribe removes the subscription with the given id and reports
// whether it was still registered. Removing an unknown id, or one already
// auto-removed by a one-time delivery, is a harmless no-op: the race
// between auto-removal and explicit cancellation is expected.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for category, byID := range h.entries {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(h.entries, category)
			}
			return true
		}
	}
	return false
}

// Publish delivers value to every live subscription on category whose
// filter accepts it. One-time entries are claimed (removed) before their
// callback runs, so concurrent publishes of matching values fire them at
// most once. Callbacks execute synchronously on the publishing goroutine;
// a panicking filter or callback is logged and skipped without affecting
// delivery to other entries. Evaluation order across entries is
// unspecified.
func (h *Hub) Publish(category Category, value any) {
	h.mu.Lock()
	live := make([]*entry, 0, len(h.entries[category]))
	for _, e := range h.entries[category] {
		live = append(live, e)
	}
	h.mu.Unlock()

	for _, e := range live {
		if !h.accepts(e, value) {
			continue
		}
		if e.oneTime && !h.claim(e) {
			continue
		}
		h.invoke(e, value)
	}
}

// Count returns the number of live subscriptions on category.
func (h *Hub) Count(category Category) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[category])
}

// TotalCount returns the number of live subscriptions across all
// categories.
func (h *Hub) TotalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, byID := range h.entries {
		total += len(byID)
	}
	return total
}

func (h *Hub) accepts(e *entry, value any) (ok bool) {
	if e.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Str("subscription_id", e.id).
				Str("category", string(e.category)).
				Msg("Subscription filter panicked; entry skipped.")
			ok = false
		}
	}()
	return e.filter(value)
}

// claim removes a one-time entry if it is still registered. Of any number
// of concurrent publishers, exactly one wins the claim.
func (h *Hub) claim(e *entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.entries[e.category]
	if !ok {
		return false
	}
	if _, ok := byID[e.id]; !ok {
		return false
	}
	delete(byID, e.id)
	if len(byID) == 0 {
		delete(h.entries, e.category)
	}
	return true
}

func (h *Hub) invoke(e *entry, value any) {
	if e.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Str("subscription_id", e.id).
				Str("category", string(e.category)).
				Msg("Subscription callback panicked; dispatch continues.")
		}
	}()
	e.callback.Invoke(value)
}
