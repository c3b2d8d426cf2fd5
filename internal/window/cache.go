// Package window keeps the bounded, incrementally refreshed list of events
// a data output agent publishes.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/eventorder"
	"github.com/MrBurberry/huginn/internal/observability"
)

// Refresh modes reported to metrics.
const (
	ModeRebuild     = "rebuild"
	ModeIncremental = "incremental"
	ModeUnchanged   = "unchanged"
)

const saveAttempts = 3

// EventSource reads the event log of source agents.
type EventSource interface {
	Since(ctx context.Context, sources []string, afterID int64) ([]eventbus.Event, error)
	Latest(ctx context.Context, source string, limit int) ([]eventbus.Event, error)
	ByIDs(ctx context.Context, sources []string, ids []int64) ([]eventbus.Event, error)
}

// Request describes the window wanted by one agent.
type Request struct {
	AgentID string
	Sources []string
	// Order is the windowing order; nil means creation order.
	Order eventorder.Order
	Size  int
	// Location is used for zone-less times in Order; UTC when nil.
	Location *time.Location
}

// Cache computes windows. Calls for the same agent are serialized; the
// versioned Save guards against other processes sharing the database.
type Cache struct {
	repo    *Repo
	events  EventSource
	logger  *slog.Logger
	metrics *observability.Metrics

	locks sync.Map // agent id -> *sync.Mutex
}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func NewCache(repo *Repo, events EventSource, opts ...Option) *Cache {
	c := &Cache{repo: repo, events: events, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) lock(agentID string) func() {
	v, _ := c.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Window returns the current window of req.AgentID in windowing order,
// persisting the refreshed state first.
func (c *Cache) Window(ctx context.Context, req Request) ([]eventbus.Event, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}
	unlock := c.lock(req.AgentID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		events, err := c.refresh(ctx, req)
		if errors.Is(err, ErrConflict) && attempt < saveAttempts {
			c.logger.WarnContext(ctx, "window state conflict, retrying",
				"agent_id", req.AgentID, "attempt", attempt)
			continue
		}
		return events, err
	}
}

// Invalidate drops the stored window so the next call rebuilds it, e.g.
// after the agent's sources changed.
func (c *Cache) Invalidate(ctx context.Context, agentID string) error {
	unlock := c.lock(agentID)
	defer unlock()
	return c.repo.Delete(ctx, agentID)
}

func (c *Cache) refresh(ctx context.Context, req Request) ([]eventbus.Event, error) {
	prev, err := c.repo.Load(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	orderKey := req.Order.Key()

	var (
		accumulated []eventbus.Event
		fetched     []eventbus.Event
		mode        string
	)
	if prev.Version > 0 && prev.Watermark != nil && prev.matches(orderKey, req.Size) {
		cached, err := c.events.ByIDs(ctx, req.Sources, prev.EventIDs)
		if err != nil {
			return nil, fmt.Errorf("load window events: %w", err)
		}
		fetched, err = c.events.Since(ctx, req.Sources, *prev.Watermark)
		if err != nil {
			return nil, fmt.Errorf("fetch new events: %w", err)
		}
		if len(fetched) == 0 {
			c.metrics.WindowRefresh(ModeUnchanged)
			return reorder(cached, prev.EventIDs), nil
		}
		accumulated = append(cached, fetched...)
		mode = ModeIncremental
	} else {
		for _, source := range req.Sources {
			latest, err := c.events.Latest(ctx, source, 2*req.Size)
			if err != nil {
				return nil, fmt.Errorf("fetch latest events of %s: %w", source, err)
			}
			fetched = append(fetched, latest...)
		}
		accumulated = mergeByID(fetched)
		mode = ModeRebuild
	}

	window := eventorder.Sort(accumulated, req.Order, req.Location)
	if len(window) > req.Size {
		window = window[len(window)-req.Size:]
	}

	next := State{
		AgentID:    req.AgentID,
		EventIDs:   idsOf(window),
		Watermark:  prev.Watermark,
		OrderKey:   orderKey,
		WindowSize: req.Size,
		Version:    prev.Version,
	}
	if mode == ModeRebuild {
		next.Watermark = nil
	}
	if top := maxID(fetched); top != nil && (next.Watermark == nil || *top > *next.Watermark) {
		next.Watermark = top
	}

	if prev.Version > 0 && prev.sameContent(next) {
		c.metrics.WindowRefresh(ModeUnchanged)
		return window, nil
	}
	if _, err := c.repo.Save(ctx, next); err != nil {
		return nil, err
	}
	c.metrics.WindowRefresh(mode)
	c.logger.DebugContext(ctx, "window refreshed",
		"agent_id", req.AgentID, "mode", mode, "fetched", len(fetched), "size", len(window))
	return window, nil
}

// mergeByID sorts events by id and drops duplicates.
func mergeByID(events []eventbus.Event) []eventbus.Event {
	out := slices.Clone(events)
	slices.SortFunc(out, func(a, b eventbus.Event) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return slices.CompactFunc(out, func(a, b eventbus.Event) bool { return a.ID == b.ID })
}

// reorder lays events out in the order of ids, skipping ids that no longer
// resolve.
func reorder(events []eventbus.Event, ids []int64) []eventbus.Event {
	byID := make(map[int64]eventbus.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	out := make([]eventbus.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func idsOf(events []eventbus.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func maxID(events []eventbus.Event) *int64 {
	if len(events) == 0 {
		return nil
	}
	top := events[0].ID
	for _, e := range events[1:] {
		top = max(top, e.ID)
	}
	return &top
}
