// Package ws is the session gateway: it authenticates WebSocket clients,
// feeds their frames into the relay and delivers their messages back out.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
	"github.com/burhanwani/WhatsAppSimulator/pkg/response"
)

// DefaultGroup is the consumer group gateways share on the outbound stream
const DefaultGroup = "gateway"

const (
	defaultPresenceRefresh = 30 * time.Second
	forwardTimeout         = 5 * time.Second
)

// InstanceStream is the outbound stream only the gateway instance reads
func InstanceStream(instance string) string {
	return relay.StreamOutbound + "@" + instance
}

// Unwrapper opens envelope-encrypted rows for catch-up
type Unwrapper interface {
	UnwrapFromStorage(ctx context.Context, wrappedBlob, wrappedDataKey []byte) ([]byte, error)
}

// Config tunes the gateway
type Config struct {
	Group          string
	SendBuffer     int
	PageSize       int
	AllowedOrigins []string
	// PresenceRefresh is how often local sessions are re-announced
	PresenceRefresh time.Duration
}

// Gateway tracks one authoritative session per identity
type Gateway struct {
	verifier  *middleware.TokenVerifier
	queue     relay.Queue
	messages  store.MessageStore
	cursors   store.CursorStore
	unwrapper Unwrapper
	metrics   *metrics.Metrics
	cfg       Config
	upgrader  websocket.Upgrader

	presence store.PresenceStore
	instance string

	mu       sync.Mutex
	sessions map[domain.Identity]*Session
}

// NewGateway creates a gateway. m may be nil.
func NewGateway(verifier *middleware.TokenVerifier, queue relay.Queue, messages store.MessageStore, cursors store.CursorStore, unwrapper Unwrapper, m *metrics.Metrics, cfg Config) *Gateway {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = store.DefaultPageSize
	}
	if cfg.PresenceRefresh <= 0 {
		cfg.PresenceRefresh = defaultPresenceRefresh
	}

	g := &Gateway{
		verifier:  verifier,
		queue:     queue,
		messages:  messages,
		cursors:   cursors,
		unwrapper: unwrapper,
		metrics:   m,
		cfg:       cfg,
		sessions:  make(map[domain.Identity]*Session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// WithPresence runs the gateway as one of several instances. Sessions are
// announced in presence under instance, and outbound entries are forwarded
// to the stream of the instance holding the recipient.
func (g *Gateway) WithPresence(presence store.PresenceStore, instance string) *Gateway {
	g.presence = presence
	g.instance = instance
	return g
}

// Run consumes outbound entries until ctx is done. A lone gateway delivers
// straight from the outbound stream. With presence, the outbound stream is
// only routed and sessions are fed from this instance's own stream.
func (g *Gateway) Run(ctx context.Context) error {
	if g.presence == nil {
		return g.queue.Subscribe(ctx, relay.StreamOutbound, g.cfg.Group, g.Deliver, relay.FromLatest())
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.queue.Subscribe(ctx, relay.StreamOutbound, g.cfg.Group, g.route, relay.FromLatest())
	})
	eg.Go(func() error {
		return g.queue.Subscribe(ctx, InstanceStream(g.instance), g.cfg.Group, g.Deliver)
	})
	eg.Go(func() error {
		g.refreshPresence(ctx)
		return nil
	})
	return eg.Wait()
}

// route forwards an outbound entry to the instance holding its recipient.
// Even local recipients go through this instance's stream, so a session
// only ever receives from one ordered stream. Entries for offline
// recipients are dropped here since the store still has them for catch-up.
// A failed forward is redelivered so the instance stream keeps its order.
func (g *Gateway) route(ctx context.Context, entry *relay.Entry) error {
	recipient := entry.Message.Recipient
	instance, err := g.presence.Get(ctx, recipient)
	if err != nil {
		return err
	}
	if instance == "" {
		metrics.GatewayRoutedTotal.WithLabelValues("offline").Inc()
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if _, err := g.queue.Publish(fctx, InstanceStream(instance), entry.Message); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.GatewayRoutedTotal.WithLabelValues("retried").Inc()
		return fmt.Errorf("forward to %s: %w", instance, err)
	}
	metrics.GatewayRoutedTotal.WithLabelValues("forwarded").Inc()
	return nil
}

// Deliver hands an outbound entry to the recipient's session. Entries for
// identities without a session here are acknowledged; the recipient gets
// them from the store when it reconnects.
func (g *Gateway) Deliver(ctx context.Context, entry *relay.Entry) error {
	g.mu.Lock()
	s := g.sessions[entry.Message.Recipient]
	g.mu.Unlock()

	if s != nil {
		s.deliverLive(entry)
	}
	return nil
}

func (g *Gateway) refreshPresence(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PresenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			sessions := make([]*Session, 0, len(g.sessions))
			for _, s := range g.sessions {
				sessions = append(sessions, s)
			}
			g.mu.Unlock()

			for _, s := range sessions {
				g.announce(ctx, s)
			}
		}
	}
}

// ServeWS authenticates the request and upgrades it to a session
// GET /ws
func (g *Gateway) ServeWS(c *gin.Context) {
	claims, err := g.verifier.Verify(c.Request.Context(), middleware.BearerToken(c.Request))
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordAuthFailure("invalid_token")
		}
		response.Unauthorized(c, "Invalid or missing token")
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(g, domain.Identity(claims.Identity()), conn)
	g.register(s)
	s.start()
}

// announce refreshes the presence of s, closing it instead when the
// identity has since connected to another instance
func (g *Gateway) announce(ctx context.Context, s *Session) {
	holder, err := g.presence.Get(ctx, s.identity)
	if err == nil && holder != "" && holder != g.instance {
		metrics.GatewaySupersededTotal.Inc()
		logger.Info("Session superseded on another instance",
			zap.String("user_id", string(s.identity)), zap.String("instance", holder))
		s.close()
		return
	}
	if err := g.presence.Set(ctx, s.identity, g.instance); err != nil {
		logger.Warn("Failed to refresh presence", zap.String("user_id", string(s.identity)), zap.Error(err))
	}
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	old := g.sessions[s.identity]
	g.sessions[s.identity] = s
	g.mu.Unlock()

	if old != nil {
		metrics.GatewaySupersededTotal.Inc()
		logger.Info("Session superseded", zap.String("user_id", string(s.identity)))
		old.close()
	}
	if g.presence != nil {
		if err := g.presence.Set(s.ctx, s.identity, g.instance); err != nil {
			logger.Warn("Failed to announce presence", zap.String("user_id", string(s.identity)), zap.Error(err))
		}
	}
	if g.metrics != nil {
		g.metrics.SessionOpened()
	}
	logger.Info("Session active", zap.String("user_id", string(s.identity)))
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	current := g.sessions[s.identity] == s
	if current {
		delete(g.sessions, s.identity)
	}
	g.mu.Unlock()

	if current && g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := g.presence.Remove(ctx, s.identity, g.instance); err != nil {
			logger.Warn("Failed to clear presence", zap.String("user_id", string(s.identity)), zap.Error(err))
		}
		cancel()
	}

	if g.metrics != nil {
		g.metrics.SessionClosed()
	}
	logger.Info("Session closed", zap.String("user_id", string(s.identity)))
}

// Connected reports whether identity has a session on this gateway
func (g *Gateway) Connected(identity domain.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[identity]
	return ok
}

// Shutdown closes every session
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (g *Gateway) now() time.Time { return time.Now() }
