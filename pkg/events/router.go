package events

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Router is a Consumer that dispatches every event of a batch to the
// handlers registered for its kind. Handlers run on the tick goroutine in
// registration order; a catch-all route sees every kind.
type Router struct {
	mu     sync.RWMutex
	routes []*routeEntry
	logger *logger.Logger
	closed bool
}

// routeEntry represents a single route registration
type routeEntry struct {
	ID       types.ID
	Kinds    []types.EventKind // empty matches every kind
	Handler  HandlerFunc
	Active   bool
	Priority int
}

func (e *routeEntry) matches(kind types.EventKind) bool {
	return e.Active && (len(e.Kinds) == 0 || slices.Contains(e.Kinds, kind))
}

// NewRouter creates a new event router
func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Router{
		logger: log.With("component", "event_router"),
	}
}

// AddRoute registers fn for events of the given kinds. No kinds means every
// kind.
func (r *Router) AddRoute(fn HandlerFunc, kinds ...types.EventKind) (types.ID, error) {
	return r.AddRouteWithPriority(fn, 0, kinds...)
}

// AddRouteWithPriority registers fn like AddRoute. Higher priority routes
// run first; equal priorities keep registration order.
func (r *Router) AddRouteWithPriority(fn HandlerFunc, priority int, kinds ...types.EventKind) (types.ID, error) {
	if fn == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	for _, k := range kinds {
		if !k.Valid() {
			return "", types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown event kind %d", k))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "router is closed")
	}

	entry := &routeEntry{
		ID:       types.GenerateID(),
		Kinds:    slices.Clone(kinds),
		Handler:  fn,
		Active:   true,
		Priority: priority,
	}
	r.routes = append(r.routes, entry)
	slices.SortStableFunc(r.routes, func(a, b *routeEntry) int { return b.Priority - a.Priority })

	r.logger.Debug("Route added", "route_id", entry.ID, "kinds", len(kinds), "priority", priority)
	return entry.ID, nil
}

// RemoveRoute removes a route by ID
func (r *Router) RemoveRoute(routeID types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, entry := range r.routes {
		if entry.ID == routeID {
			r.routes = slices.Delete(r.routes, i, i+1)
			r.logger.Debug("Route removed", "route_id", routeID)
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("route not found: %s", routeID))
}

// SetRouteActive sets the active state of a route
func (r *Router) SetRouteActive(routeID types.ID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.routes {
		if entry.ID == routeID {
			entry.Active = active
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("route not found: %s", routeID))
}

// Route dispatches one event to every matching handler
func (r *Router) Route(ctx context.Context, ev types.Event) int {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0
	}
	var handlers []HandlerFunc
	for _, entry := range r.routes {
		if entry.matches(ev.Kind()) {
			handlers = append(handlers, entry.Handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return len(handlers)
}

// Consume implements Consumer
func (r *Router) Consume(ctx context.Context, batch *Batch) {
	for _, ev := range batch.All() {
		r.Route(ctx, ev)
	}
}

// Stats returns router statistics
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s RouterStats
	for _, entry := range r.routes {
		s.TotalRoutes++
		if len(entry.Kinds) == 0 {
			s.CatchAllRoutes++
		}
		if entry.Active {
			s.ActiveRoutes++
		}
	}
	s.InactiveRoutes = s.TotalRoutes - s.ActiveRoutes
	return s
}

// Close closes the router; later batches are ignored
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.NewError(types.ErrCodeInvalid, "router already closed")
	}
	r.closed = true
	r.logger.Debug("Event router closed")
	return nil
}

// RouterStats contains statistics about the router
type RouterStats struct {
	TotalRoutes    int `json:"total_routes"`
	CatchAllRoutes int `json:"catch_all_routes"`
	ActiveRoutes   int `json:"active_routes"`
	InactiveRoutes int `json:"inactive_routes"`
}

// String returns a string representation of the stats
func (s RouterStats) String() string {
	return fmt.Sprintf("RouterStats{Total: %d, CatchAll: %d, Active: %d, Inactive: %d}",
		s.TotalRoutes, s.CatchAllRoutes, s.ActiveRoutes, s.InactiveRoutes)
}
