// Package feed assembles the RSS and JSON documents of data output agents
// and publishes their updates to WebSub hubs.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/observability"
	"github.com/MrBurberry/huginn/internal/state"
	"github.com/MrBurberry/huginn/internal/window"
)

// ErrNotAuthorized means the request secret is not among the agent's
// secrets.
var ErrNotAuthorized = errors.New("not authorized")

const (
	FormatXML  = "xml"
	FormatJSON = "json"
)

// Agents is the part of the agent store the service needs.
type Agents interface {
	GetAgent(ctx context.Context, id string) (state.Agent, error)
	Sources(ctx context.Context, receiverID string) ([]string, error)
	Receivers(ctx context.Context, sourceID string) ([]string, error)
	MarkReceived(ctx context.Context, id string) error
	AddLog(ctx context.Context, agentID, level, message string) error
	LastErrorAt(ctx context.Context, agentID string) (*time.Time, error)
}

// Windows computes the event window of an agent.
type Windows interface {
	Window(ctx context.Context, req window.Request) ([]eventbus.Event, error)
}

// Notifier announces feed refreshes to subscribers.
type Notifier interface {
	Notify(n eventbus.Notice)
}

// WebRequest is one feed request as routed by the HTTP layer.
type WebRequest struct {
	UserID  string
	AgentID string
	Secret  string
	Format  string
}

type Response struct {
	Status      int
	ContentType string
	Headers     [][2]string
	Body        []byte
}

type Service struct {
	agents   Agents
	windows  Windows
	notifier Notifier
	hubs     *HubClient
	logger   *slog.Logger
	metrics  *observability.Metrics
	nowFn    func() time.Time

	domain         string
	loc            *time.Location
	hubConcurrency int

	optionsCache *lru.Cache[string, cachedOptions]
}

type cachedOptions struct {
	raw  string
	opts *Options
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces the build clock; used by tests.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Service) { s.nowFn = nowFn }
}

// WithDomain sets the public host used for default channel links.
func WithDomain(domain string) Option {
	return func(s *Service) { s.domain = domain }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithHubClient(h *HubClient) Option {
	return func(s *Service) { s.hubs = h }
}

func WithHubConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.hubConcurrency = n
		}
	}
}

// WithOptionsCacheSize bounds the number of parsed option documents kept.
func WithOptionsCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.optionsCache, _ = lru.New[string, cachedOptions](n)
		}
	}
}

func NewService(agents Agents, windows Windows, opts ...Option) *Service {
	s := &Service{
		agents:         agents,
		windows:        windows,
		hubs:           NewHubClient(nil, 0),
		logger:         slog.Default(),
		nowFn:          time.Now,
		domain:         "localhost",
		loc:            time.UTC,
		hubConcurrency: 4,
	}
	s.optionsCache, _ = lru.New[string, cachedOptions](256)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Options returns the parsed options of agent, reusing the cached parse
// while the raw document is unchanged.
func (s *Service) Options(agent state.Agent) (*Options, error) {
	if cached, ok := s.optionsCache.Get(agent.ID); ok && cached.raw == agent.Options {
		return cached.opts, nil
	}
	opts, err := ParseOptions(agent.Options)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}
	s.optionsCache.Add(agent.ID, cachedOptions{raw: agent.Options, opts: opts})
	return opts, nil
}

// Serve answers a feed request. An unknown agent, an agent of another user
// or an unsupported format yield an error wrapping state.ErrNotFound; a
// wrong secret yields a 401 response.
func (s *Service) Serve(ctx context.Context, req WebRequest) (Response, error) {
	if req.Format != FormatXML && req.Format != FormatJSON {
		return Response{}, fmt.Errorf("format %q: %w", req.Format, state.ErrNotFound)
	}
	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return Response{}, err
	}
	if agent.UserID != req.UserID {
		return Response{}, fmt.Errorf("agent %s of user %s: %w", req.AgentID, req.UserID, state.ErrNotFound)
	}
	opts, err := s.Options(agent)
	if err != nil {
		return Response{}, err
	}
	if !opts.Authorized(req.Secret) {
		s.metrics.FeedRequest(req.Format, "401")
		s.logger.InfoContext(ctx, "feed request rejected", "agent_id", agent.ID, "error", ErrNotAuthorized)
		return unauthorized(req.Format), nil
	}

	start := time.Now()
	events, err := s.window(ctx, agent, opts)
	if err != nil {
		s.metrics.FeedRequest(req.Format, "500")
		return Response{}, err
	}
	doc := s.assemble(ctx, agent, opts, events, req.Secret)

	var resp Response
	if req.Format == FormatJSON {
		resp, err = doc.jsonResponse()
	} else {
		resp = doc.xmlResponse(opts.RSSContentType)
	}
	if err != nil {
		s.metrics.FeedRequest(req.Format, "500")
		return Response{}, err
	}
	resp.Headers = opts.ResponseHeaders
	s.metrics.FeedRendered(req.Format, time.Since(start))
	s.metrics.FeedRequest(req.Format, "200")
	return resp, nil
}

func (s *Service) window(ctx context.Context, agent state.Agent, opts *Options) ([]eventbus.Event, error) {
	sources, err := s.agents.Sources(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return s.windows.Window(ctx, window.Request{
		AgentID:  agent.ID,
		Sources:  sources,
		Order:    opts.EventsOrder,
		Size:     opts.EventsToShow,
		Location: s.loc,
	})
}

// Receive refreshes the window of agentID after its sources emitted events
// and then notifies the configured hubs. Hub failures are logged and do
// not fail the call.
func (s *Service) Receive(ctx context.Context, agentID string) error {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	opts, err := s.Options(agent)
	if err != nil {
		return err
	}
	if _, err := s.window(ctx, agent, opts); err != nil {
		return fmt.Errorf("refresh window of %s: %w", agentID, err)
	}
	if err := s.agents.MarkReceived(ctx, agentID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(eventbus.Notice{
			Stream:  eventbus.FeedStream(agentID),
			Kind:    eventbus.NoticeRefreshed,
			AgentID: agentID,
			At:      s.nowFn().UTC(),
		})
	}
	if len(opts.PushHubs) == 0 {
		return nil
	}

	secret := ""
	if len(opts.Secrets) > 0 {
		secret = opts.Secrets[0]
	}
	self := s.channelURLs(agent, opts, nil, secret).self

	var g errgroup.Group
	g.SetLimit(s.hubConcurrency)
	for _, hub := range opts.PushHubs {
		g.Go(func() error {
			s.pushToHub(ctx, agentID, hub, self)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// Deliver runs Receive for every agent linked downstream of the source of
// evt and returns the ids that refreshed. A failing receiver is logged and
// skipped.
func (s *Service) Deliver(ctx context.Context, evt eventbus.Event) ([]string, error) {
	receivers, err := s.agents.Receivers(ctx, evt.AgentID)
	if err != nil {
		return nil, err
	}
	delivered := []string{}
	for _, id := range receivers {
		if err := s.Receive(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "deliver event", "event_id", evt.ID, "receiver_id", id, "error", err)
			continue
		}
		delivered = append(delivered, id)
	}
	return delivered, nil
}

func (s *Service) pushToHub(ctx context.Context, agentID, hub, feedURL string) {
	if !validHubURL(hub) {
		s.metrics.HubPush("invalid")
		s.agentError(ctx, agentID, fmt.Sprintf("Invalid push endpoint: %s", hub))
		return
	}
	s.logger.InfoContext(ctx, "pushing feed to hub", "agent_id", agentID, "hub", hub, "feed_url", feedURL)
	if err := s.hubs.Publish(ctx, hub, feedURL); err != nil {
		s.metrics.HubPush("error")
		s.agentError(ctx, agentID, fmt.Sprintf("Push failed: %v", err))
		return
	}
	s.metrics.HubPush("success")
	_ = s.agents.AddLog(ctx, agentID, state.LevelInfo, fmt.Sprintf("Pushed %s to %s", feedURL, hub))
}

// agentError records a recoverable problem in the process log and the
// agent's own log.
func (s *Service) agentError(ctx context.Context, agentID, message string) {
	s.logger.ErrorContext(ctx, message, "agent_id", agentID)
	if err := s.agents.AddLog(ctx, agentID, state.LevelError, message); err != nil {
		s.logger.WarnContext(ctx, "failed to record agent log", "agent_id", agentID, "error", err)
	}
}

// Working reports whether the agent received events within its expected
// period and logged no error since.
func (s *Service) Working(ctx context.Context, agentID string) (bool, error) {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent.LastReceiveAt == nil {
		return false, nil
	}
	opts, err := s.Options(agent)
	if err != nil {
		return false, err
	}
	period := time.Duration(opts.ExpectedReceivePeriodDays) * 24 * time.Hour
	if !agent.LastReceiveAt.After(s.nowFn().Add(-period)) {
		return false, nil
	}
	lastError, err := s.agents.LastErrorAt(ctx, agentID)
	if err != nil {
		return false, err
	}
	return lastError == nil || lastError.Before(*agent.LastReceiveAt), nil
}
