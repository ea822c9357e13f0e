// Package bridge exposes CantinaOS to web clients: a websocket endpoint that
// translates validated socket commands into bus events and broadcasts a
// curated, throttled selection of internal topics outward. The same HTTP
// server carries the health and metrics endpoints.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/health"
	"github.com/cantina-labs/cantinaos/internal/observe"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the bridge's service name on the bus.
const ServiceName = "web_bridge"

// Defaults, overridable through [Config].
const (
	DefaultMaxClients          = 10
	DefaultClientRatePerMinute = 60
)

// Throttle caps per outbound topic class, in events per second.
const (
	mediumRate = 30
)

// Config tunes the bridge.
type Config struct {
	// Addr is the listen address, e.g. ":8765". Ignored when Listener is set.
	Addr string

	// Listener, when non-nil, is used instead of listening on Addr. Tests
	// pass a 127.0.0.1:0 listener here.
	Listener net.Listener

	// MaxClients caps concurrent socket clients; connections over the cap
	// are closed with a try-again-later code.
	MaxClients int

	// ClientRatePerMinute caps inbound commands per client.
	ClientRatePerMinute int

	// AllowedOrigins is the CORS origin allow-list for socket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string

	// Metrics receives bridge instrumentation; nil disables it.
	Metrics *observe.Metrics

	// Health serves /healthz and /readyz on the bridge mux; nil installs a
	// checker-less handler.
	Health *health.Handler
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.ClientRatePerMinute <= 0 {
		c.ClientRatePerMinute = DefaultClientRatePerMinute
	}
	if c.Health == nil {
		c.Health = health.New()
	}
	return c
}

// Service is the web bridge.
type Service struct {
	*service.Service
	cfg      Config
	validate *validator.Validate
	metrics  *observe.Metrics

	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	clients map[string]*client
	library []events.MusicTrack
}

var _ service.Runner = (*Service)(nil)

// NewService creates the bridge.
func NewService(b *bus.Bus, log *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		Service:  service.New(ServiceName, b, log),
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  cfg.Metrics,
		clients:  make(map[string]*client),
	}
}

// Addr returns the bound listen address. Valid after Start.
func (s *Service) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start subscribes the outbound topics and begins serving HTTP.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(context.Context) error {
		if err := s.subscribeOutbound(); err != nil {
			return err
		}

		ln := s.cfg.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", s.cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
			}
		}
		s.ln = ln
		s.srv = &http.Server{Handler: s.routes()}

		s.Go("http_serve", func(context.Context) error {
			if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		return nil
	})
}

// Stop shuts the HTTP server down and disconnects every client.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clients = make(map[string]*client)
		s.mu.Unlock()
		for _, c := range clients {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}

		if s.srv != nil {
			return s.srv.Shutdown(ctx)
		}
		return nil
	})
}

// routes builds the HTTP mux. The socket endpoint stays outside the
// observability middleware: the middleware's response wrapper would break the
// hijack the websocket upgrade needs.
func (s *Service) routes() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)

	plain := http.NewServeMux()
	s.cfg.Health.Register(plain)
	plain.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = plain
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(plain)
	}
	root.Handle("/", h)
	return root
}

// ── Connection management ───────────────────────────────────────────────────

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.Log().Warn("socket upgrade failed", "err", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s.cfg.ClientRatePerMinute)
	if !s.addClient(c) {
		s.Log().Warn("client cap reached, refusing connection", "cap", s.cfg.MaxClients)
		_ = conn.Close(websocket.StatusTryAgainLater, "server overloaded")
		return
	}
	s.Log().Info("client connected", "session_id", c.id)
	if s.metrics != nil {
		s.metrics.ConnectedClients.Add(r.Context(), 1)
	}
	defer func() {
		s.removeClient(c)
		if s.metrics != nil {
			s.metrics.ConnectedClients.Add(context.Background(), -1)
		}
		s.Log().Info("client disconnected", "session_id", c.id)
	}()

	ctx := r.Context()
	go c.writeLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleInbound(ctx, c, data)
	}
}

func (s *Service) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if present {
		c.close(websocket.StatusNormalClosure, "")
	}
}

// ── Inbound ─────────────────────────────────────────────────────────────────

func (s *Service) handleInbound(ctx context.Context, c *client, data []byte) {
	if !c.limiter.Allow() {
		s.reject(ctx, c, "rate_limited", "command rate limit exceeded")
		return
	}

	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.reject(ctx, c, "malformed", "message is not valid JSON")
		return
	}

	switch f.Channel {
	case ChannelCommand:
		s.inboundCommand(ctx, c, f.Data)
	case ChannelVoice:
		s.inboundVoice(ctx, c, f.Data)
	case ChannelMusic:
		s.inboundMusic(ctx, c, f.Data)
	case ChannelDJ:
		s.inboundDJ(ctx, c, f.Data)
	case ChannelSystem:
		s.inboundSystem(ctx, c, f.Data)
	default:
		s.reject(ctx, c, "unknown_channel", fmt.Sprintf("unknown channel %q", f.Channel))
	}
}

// decode unmarshals and schema-validates one inbound payload, replying with a
// field-level validation error on failure.
func decode[T any](s *Service, ctx context.Context, c *client, data []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		s.reject(ctx, c, "malformed", "payload is not valid JSON")
		return v, false
	}
	if err := s.validate.Struct(v); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		c.enqueue(newFrame(TopicOutValidationError, map[string]any{
			"message": "payload failed validation",
			"fields":  fields,
		}))
		if s.metrics != nil {
			s.metrics.RecordRejectedCommand(ctx, "validation")
		}
		return v, false
	}
	return v, true
}

func (s *Service) inboundCommand(ctx context.Context, c *client, data []byte) {
	cmd, ok := decode[simpleCommand](s, ctx, c, data)
	if !ok {
		return
	}
	s.emit(ctx, &events.CLICommand{
		Envelope:  s.Envelope(),
		Raw:       cmd.Command,
		Source:    events.SourceWeb,
		SessionID: c.id,
	})
}

func (s *Service) inboundVoice(ctx context.Context, c *client, data []byte) {
	cmd, ok := decode[voiceCommand](s, ctx, c, data)
	if !ok {
		return
	}
	s.emit(ctx, &events.VoiceListeningToggle{
		Envelope:  s.Envelope(),
		Start:     cmd.Action == "start",
		CommandID: cmd.CommandID,
	})
}

func (s *Service) inboundMusic(ctx context.Context, c *client, data []byte) {
	cmd, ok := decode[musicCommand](s, ctx, c, data)
	if !ok {
		return
	}
	s.emit(ctx, &events.MusicCommand{
		Envelope:  s.Envelope(),
		Action:    events.MusicAction(cmd.Action),
		TrackName: cmd.TrackName,
		TrackID:   cmd.TrackID,
		Source:    events.SourceWeb,
	})
}

func (s *Service) inboundDJ(ctx context.Context, c *client, data []byte) {
	cmd, ok := decode[djCommand](s, ctx, c, data)
	if !ok {
		return
	}
	switch cmd.Action {
	case "start", "stop":
		s.emit(ctx, &events.DJModeChanged{
			Envelope: s.Envelope(),
			Active:   cmd.Action == "start",
			Reason:   string(events.SourceWeb),
		})
	case "next":
		s.emit(ctx, &events.MusicCommand{
			Envelope: s.Envelope(),
			Action:   events.MusicNext,
			Source:   events.SourceDJ,
		})
	default:
		// "queue" passes schema validation but has no backing runtime
		// feature.
		s.reject(ctx, c, "unsupported_action", fmt.Sprintf("dj action %q is not supported", cmd.Action))
	}
}

func (s *Service) inboundSystem(ctx context.Context, c *client, data []byte) {
	cmd, ok := decode[systemCommand](s, ctx, c, data)
	if !ok {
		return
	}
	s.emit(ctx, &events.SystemSetModeRequest{
		Envelope: s.Envelope(),
		Mode:     events.Mode(cmd.Mode),
	})
}

// reject answers an inbound message with a structured error frame.
func (s *Service) reject(ctx context.Context, c *client, code, message string) {
	c.enqueue(newFrame(TopicOutError, map[string]any{
		"code":    code,
		"message": message,
	}))
	if s.metrics != nil {
		s.metrics.RecordRejectedCommand(ctx, code)
	}
}

// ── Outbound ────────────────────────────────────────────────────────────────

// subscribeOutbound wires the curated broadcast topics. Medium-frequency
// topics carry a tail-drop throttle; mode and DJ changes go out unthrottled.
func (s *Service) subscribeOutbound() error {
	subs := []struct {
		topic   events.Topic
		handler bus.Handler
		opts    []bus.SubOption
	}{
		{events.TopicServiceStatus, s.onServiceStatus,
			[]bus.SubOption{bus.WithThrottle(bus.TailDrop, mediumRate)}},
		{events.TopicVoiceStatus, s.onVoiceStatus,
			[]bus.SubOption{bus.WithThrottle(bus.TailDrop, mediumRate)}},
		{events.TopicDashboardLog, s.onDashboardLog,
			[]bus.SubOption{bus.WithThrottle(bus.TailDrop, mediumRate)}},
		{events.TopicMusicPlaybackStarted, s.onPlaybackStarted, nil},
		{events.TopicMusicPlaybackStopped, s.onPlaybackStopped, nil},
		{events.TopicMusicLibraryUpdated, s.onLibraryUpdated, nil},
		{events.TopicDJModeChanged, s.onDJModeChanged, nil},
		{events.TopicSystemModeChange, s.onModeChange, nil},
		{events.TopicCLIResponse, s.onCommandResponse, nil},
	}
	for _, sub := range subs {
		if err := s.Subscribe(sub.topic, sub.handler, sub.opts...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) onServiceStatus(ctx context.Context, p events.Payload) {
	s.broadcast(ctx, TopicOutServiceStatus, serviceStatusData(p.(*events.ServiceStatus)))
}

func (s *Service) onVoiceStatus(ctx context.Context, p events.Payload) {
	status := p.(*events.VoiceStatus)
	s.broadcast(ctx, TopicOutVoiceStatus, map[string]any{"state": string(status.State)})
}

func (s *Service) onDashboardLog(ctx context.Context, p events.Payload) {
	log := p.(*events.DashboardLog)
	s.broadcast(ctx, TopicOutDashboardLog, map[string]any{
		"service_name": log.Origin(),
		"level":        log.Level,
		"message":      log.Message,
		"count":        log.Count,
	})
}

func (s *Service) onPlaybackStarted(ctx context.Context, p events.Payload) {
	started := p.(*events.MusicPlaybackStarted)
	s.broadcast(ctx, TopicOutMusicStatus, musicStatusData("started", started.Track, started.Source, started.Mode))
}

func (s *Service) onPlaybackStopped(ctx context.Context, p events.Payload) {
	stopped := p.(*events.MusicPlaybackStopped)
	s.broadcast(ctx, TopicOutMusicStatus, musicStatusData("stopped", stopped.Track, stopped.Source, ""))
}

// onLibraryUpdated is the only place the bridge's library cache changes.
func (s *Service) onLibraryUpdated(ctx context.Context, p events.Payload) {
	updated := p.(*events.MusicLibraryUpdated)
	s.mu.Lock()
	s.library = updated.Tracks
	s.mu.Unlock()

	views := make([]trackView, len(updated.Tracks))
	for i, t := range updated.Tracks {
		views[i] = viewOfTrack(t)
	}
	s.broadcast(ctx, TopicOutMusicLibrary, map[string]any{"tracks": views})
}

func (s *Service) onDJModeChanged(ctx context.Context, p events.Payload) {
	changed := p.(*events.DJModeChanged)
	s.broadcast(ctx, TopicOutDJModeStatus, map[string]any{
		"active": changed.Active,
		"reason": changed.Reason,
	})
}

func (s *Service) onModeChange(ctx context.Context, p events.Payload) {
	change := p.(*events.SystemModeChange)
	s.broadcast(ctx, TopicOutSystemMode, map[string]any{
		"mode":     string(change.Mode),
		"previous": string(change.Previous),
	})
}

// onCommandResponse routes a dispatcher reply back to the one client whose
// session issued the command.
func (s *Service) onCommandResponse(_ context.Context, p events.Payload) {
	resp := p.(*events.CLIResponse)
	if resp.SessionID == "" {
		return
	}
	s.mu.Lock()
	c := s.clients[resp.SessionID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.enqueue(newFrame(TopicOutCommandResponse, map[string]any{
		"success": resp.Success,
		"message": resp.Message,
		"code":    resp.Code,
		"field":   resp.Field,
		"data":    resp.Data,
	}))
}

// Library returns the bridge's cached track list.
func (s *Service) Library() []events.MusicTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.MusicTrack(nil), s.library...)
}

func (s *Service) broadcast(ctx context.Context, topic string, data any) {
	f := newFrame(topic, data)
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.enqueue(f)
	}
	if s.metrics != nil {
		s.metrics.RecordBroadcast(ctx, topic)
	}
}

func (s *Service) emit(ctx context.Context, p events.Payload) {
	if err := s.Emit(ctx, p); err != nil {
		s.Log().Error("emission failed", "topic", p.EventTopic(), "err", err)
	}
}
