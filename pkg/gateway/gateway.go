package gateway

import (
	"context"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay-go/pkg/auth"
	"relay-go/pkg/backplane"
	"relay-go/pkg/config"
	"relay-go/pkg/errors"
	"relay-go/pkg/logging"
	"relay-go/pkg/metrics"
	"relay-go/pkg/models"
	"relay-go/pkg/presence"
	"relay-go/pkg/ratelimit"
	"relay-go/pkg/room"
	"relay-go/pkg/session"
	"relay-go/pkg/typing"
)

const clientShardCount = 32

// FollowerSource answers "who should hear about this user's presence?". The
// social graph lives in another service; the gateway only needs the edge list.
type FollowerSource interface {
	FollowersOf(ctx context.Context, userID string) ([]string, error)
}

// StaticFollowers is a FollowerSource backed by a fixed map, for tests and
// single-tenant deployments without a graph service.
type StaticFollowers map[string][]string

func (s StaticFollowers) FollowersOf(_ context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

type clientShard struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// Gateway terminates websocket connections and routes client commands to the
// presence, typing and room subsystems. One Gateway serves one process; the
// backplane stitches instances together.
type Gateway struct {
	cfg       *config.Config
	resolver  auth.IdentityResolver
	followers FollowerSource
	log       *logging.Logger
	metrics   *metrics.Metrics

	sessions *session.Registry
	rooms    *room.Manager
	presence *presence.Tracker
	typing   *typing.Tracker
	limiter  *ratelimit.Limiter

	shards [clientShardCount]*clientShard

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewGateway wires the gateway's subsystems together. Call Start before
// serving and Stop on shutdown.
func NewGateway(cfg *config.Config, resolver auth.IdentityResolver, followers FollowerSource, bp backplane.Backplane, m *metrics.Metrics, log *logging.Logger) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		resolver:  resolver,
		followers: followers,
		log:       log,
		metrics:   m,
		sessions:  session.NewRegistry(),
		limiter:   ratelimit.NewLimiter(cfg.RateLimit.JanitorInterval),
		stop:      make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i] = &clientShard{clients: make(map[string]*client)}
	}

	g.rooms = room.NewManager(uuid.NewString(), cfg.Backplane.ChannelPrefix,
		cfg.Rooms.AllowedPrefixes, bp, g, log)
	g.rooms.OnBackplaneError = func(error) { m.BackplaneErrors.Inc() }

	g.presence = presence.NewTracker(presence.Config{
		TTL:             cfg.Presence.TTL,
		DisconnectGrace: cfg.Presence.DisconnectGrace,
		SweepInterval:   cfg.Presence.SweepInterval,
	}, g.sessions.CountOf, g.presenceChanged)
	g.presence.SweepHook = func(evicted int) {
		m.SweepEvictions.WithLabelValues("presence").Add(float64(evicted))
	}

	g.typing = typing.NewTracker(cfg.Typing.TTL, cfg.Typing.SweepInterval, g.typingExpired)
	g.typing.SweepHook = func(evicted int) {
		m.SweepEvictions.WithLabelValues("typing").Add(float64(evicted))
	}

	return g
}

// Start launches the background sweeps and the gauge refresher.
func (g *Gateway) Start() {
	g.presence.Start()
	g.typing.Start()

	g.wg.Add(1)
	go g.refreshGauges()
}

// Stop terminates the sweeps. Live connections are torn down by the HTTP
// server closing their sockets.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.presence.Stop()
		g.typing.Stop()
		g.limiter.Close()
	})
	g.wg.Wait()
}

// ServeHTTP handles the websocket handshake. Authentication happens before
// the upgrade so rejected clients get a plain HTTP status instead of a close
// frame.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.resolver.Resolve(r.Context(), extractToken(r))
	if err != nil {
		g.log.Debug("handshake rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.Banned {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := Upgrade(w, r, g.cfg.Gateway.ReadDeadline, g.cfg.Gateway.WriteDeadline)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &models.Session{
		ID:          uuid.NewString(),
		UserID:      identity.UserID,
		Username:    identity.Username,
		Role:        identity.Role,
		ConnectedAt: time.Now(),
	}
	g.serve(sess, conn)
}

// serve registers the session and runs the connection pumps. Split from
// ServeHTTP so tests can drive a fake transport through the full lifecycle.
func (g *Gateway) serve(sess *models.Session, conn transport) {
	c := newClient(sess, conn, g.cfg.Gateway.SendBuffer)

	sh := g.clientShardFor(sess.ID)
	sh.mu.Lock()
	sh.clients[sess.ID] = c
	sh.mu.Unlock()

	g.sessions.Register(sess)
	g.presence.SessionOpened(sess.UserID)
	g.metrics.Connections.Inc()

	// Replay existing memberships onto the new session so a reconnecting
	// user lands back in their rooms without a join round trip. Replays
	// are silent: the user never left from the other members' view.
	replayed := g.rooms.RoomsOfUser(sess.UserID)
	for _, rm := range replayed {
		if err := g.rooms.Join(sess.ID, sess.UserID, rm); err != nil {
			g.log.Warn("room replay failed",
				zap.String("room", rm), zap.String("user_id", sess.UserID), zap.Error(err))
		}
	}

	c.enqueue(encodeEvent(KindWelcome, WelcomePayload{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Rooms:     replayed,
	}))

	g.log.Info("client connected",
		zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))

	go g.writePump(c)
	go g.readPump(c)
}

// readPump is the single reader for the connection. It exits on the first
// read error and triggers cleanup.
func (g *Gateway) readPump(c *client) {
	defer g.cleanup(c)

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		g.presence.Heartbeat(c.session.UserID)
		g.dispatch(c, data)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. It is the only goroutine writing data frames.
func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.cfg.Gateway.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.shutdown()
				return
			}
			g.metrics.EventsOut.Inc()
		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Invalid frames count as violations; the
// connection survives until the violation threshold and is then closed.
func (g *Gateway) dispatch(c *client, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		g.violation(c, err)
		return
	}
	g.metrics.MessagesIn.WithLabelValues(env.Kind).Inc()

	// Heartbeats are exempt: throttling them would fight the liveness TTL.
	if env.Kind != KindPing {
		res := g.limiter.Check(c.session.UserID, env.Kind,
			g.cfg.RateLimit.Limit, g.cfg.RateLimit.Window)
		if !res.Allowed {
			g.metrics.RateLimited.Inc()
			c.enqueue(encodeEvent(KindRateLimited, RateLimitedPayload{
				Kind:         env.Kind,
				RetryAfterMS: res.RetryAfter.Milliseconds(),
			}))
			return
		}
	}

	switch env.Kind {
	case KindPing:
		g.enqueueEphemeral(c, encodeEvent(KindPong, struct{}{}))
	case KindRoomJoin:
		g.handleJoin(c, env)
	case KindRoomLeave:
		g.handleLeave(c, env)
	case KindTypingStart, KindTypingStop:
		g.handleTyping(c, env)
	case KindPresenceUpdate:
		g.handlePresence(c, env)
	}
}

func (g *Gateway) handleJoin(c *client, env *Envelope) {
	p, err := decodeRoomPayload(env)
	if err != nil {
		g.violation(c, err)
		return
	}

	already := g.rooms.IsMember(c.session.ID, p.Room)
	if err := g.rooms.Join(c.session.ID, c.session.UserID, p.Room); err != nil {
		// A disallowed room rejects the command, not the connection.
		c.enqueue(errorEvent(err))
		return
	}

	c.enqueue(encodeEvent(KindRoomJoined, RoomPayload{Room: p.Room}))
	if !already {
		g.broadcastMember(KindMemberJoined, p.Room, c.session)
	}
}

func (g *Gateway) handleLeave(c *client, env *Envelope) {
	p, err := decodeRoomPayload(env)
	if err != nil {
		g.violation(c, err)
		return
	}

	left := g.rooms.Leave(c.session.ID, p.Room)
	c.enqueue(encodeEvent(KindRoomLeft, RoomPayload{Room: p.Room}))
	if left {
		// The typing entry survives while another of the user's sessions
		// is still a member.
		if !g.rooms.UserInRoom(c.session.UserID, p.Room) {
			g.typing.StopTyping(p.Room, c.session.UserID)
		}
		g.broadcastMember(KindMemberLeft, p.Room, c.session)
	}
}

func (g *Gateway) handleTyping(c *client, env *Envelope) {
	p, err := decodeRoomPayload(env)
	if err != nil {
		g.violation(c, err)
		return
	}
	if !g.rooms.IsMember(c.session.ID, p.Room) {
		c.enqueue(errorEvent(errors.Authorization("not a member of room: " + p.Room)))
		return
	}

	if env.Kind == KindTypingStart {
		g.typing.StartTyping(p.Room, c.session.UserID, c.session.Username)
	} else {
		g.typing.StopTyping(p.Room, c.session.UserID)
	}
	g.broadcastTyping(p.Room)
}

func (g *Gateway) handlePresence(c *client, env *Envelope) {
	p, err := decodePresencePayload(env)
	if err != nil {
		g.violation(c, err)
		return
	}
	if err := g.presence.SetStatus(c.session.UserID, models.PresenceStatus(p.Status)); err != nil {
		c.enqueue(errorEvent(err))
	}
}

// violation records a protocol error. Each one is answered with an error
// event; crossing the threshold closes the connection.
func (g *Gateway) violation(c *client, err error) {
	g.metrics.ProtocolErrors.Inc()
	c.violations++

	if c.violations >= g.cfg.Gateway.MaxViolations {
		g.log.Warn("closing connection after repeated protocol errors",
			zap.String("session_id", c.session.ID),
			zap.String("user_id", c.session.UserID),
			zap.Int("violations", c.violations))
		// Written synchronously: enqueueing would race the write pump,
		// which stops draining the moment shutdown closes the done
		// channel.
		if data := errorEvent(err); data != nil {
			_ = c.conn.WriteMessage(data)
		}
		c.shutdown()
		return
	}
	c.enqueue(errorEvent(err))
}

// Deliver implements room.Delivery. Ephemeral events are dropped when the
// client's queue is full; a priority event that does not fit means the client
// is hopelessly behind and the connection is closed.
func (g *Gateway) Deliver(sessionID string, ev room.Event) {
	sh := g.clientShardFor(sessionID)
	sh.mu.RLock()
	c := sh.clients[sessionID]
	sh.mu.RUnlock()
	if c == nil {
		return
	}

	data := encodeEvent(ev.Kind, ev.Payload)
	if c.enqueue(data) {
		return
	}
	if ephemeralKinds[ev.Kind] {
		g.metrics.EventsDropped.Inc()
		return
	}

	g.log.Warn("send queue overflow, dropping connection",
		zap.String("session_id", sessionID), zap.String("kind", ev.Kind))
	c.shutdown()
}

// enqueueEphemeral queues a best-effort frame directly to one client.
func (g *Gateway) enqueueEphemeral(c *client, data []byte) {
	if !c.enqueue(data) {
		g.metrics.EventsDropped.Inc()
	}
}

// cleanup tears down everything the session touched. Idempotent, and bounded
// by the cleanup timeout so a stuck backplane cannot wedge the read pump's
// exit path.
func (g *Gateway) cleanup(c *client) {
	c.shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.release(c)
	}()

	select {
	case <-done:
	case <-time.After(g.cfg.Gateway.CleanupTimeout):
		g.log.Error("session cleanup exceeded deadline",
			zap.String("session_id", c.session.ID),
			zap.Duration("timeout", g.cfg.Gateway.CleanupTimeout))
	}
}

func (g *Gateway) release(c *client) {
	sessionID := c.session.ID
	userID := c.session.UserID

	sh := g.clientShardFor(sessionID)
	sh.mu.Lock()
	_, present := sh.clients[sessionID]
	delete(sh.clients, sessionID)
	sh.mu.Unlock()
	if !present {
		return
	}

	g.sessions.Remove(sessionID)
	g.presence.SessionClosed(userID)
	g.metrics.Connections.Dec()

	left := g.rooms.LeaveAll(sessionID)
	for _, rm := range left {
		g.broadcastMember(KindMemberLeft, rm, c.session)
	}

	// Typing entries survive in rooms another of the user's sessions still
	// occupies; only orphaned rooms are cleared.
	orphaned := left[:0]
	for _, rm := range left {
		if !g.rooms.UserInRoom(userID, rm) {
			orphaned = append(orphaned, rm)
		}
	}
	g.typing.StopAllForUser(userID, orphaned)

	g.log.Info("client disconnected",
		zap.String("session_id", sessionID), zap.String("user_id", userID))
}

// presenceChanged fans a presence transition out to the user's followers via
// their personal rooms.
func (g *Gateway) presenceChanged(userID string, status models.PresenceStatus) {
	followers, err := g.followers.FollowersOf(context.Background(), userID)
	if err != nil {
		g.log.Warn("follower lookup failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	payload := PresenceChangedPayload{UserID: userID, Status: status}
	for _, follower := range followers {
		// Published even when the follower's personal room has no local
		// members: the follower may be connected to another instance, and
		// only the backplane can reach them.
		rm := "user:" + follower
		if err := g.rooms.Broadcast(rm, KindPresenceChanged, payload); err != nil {
			g.log.Warn("presence broadcast failed",
				zap.String("room", rm), zap.Error(err))
		}
	}
}

// typingExpired rebroadcasts a room's typing state after the sweep evicted an
// entry whose stop signal never arrived.
func (g *Gateway) typingExpired(entry models.TypingEntry) {
	g.broadcastTyping(entry.Room)
}

func (g *Gateway) broadcastTyping(rm string) {
	if err := g.rooms.Broadcast(rm, KindTypingUpdate, TypingUpdatePayload{
		Room:   rm,
		Typing: g.typing.Query(rm),
	}); err != nil {
		g.log.Warn("typing broadcast failed", zap.String("room", rm), zap.Error(err))
	}
}

// broadcastMember announces a membership change to the room. The session it
// concerns is excluded; it already received the matching ack.
func (g *Gateway) broadcastMember(kind, rm string, sess *models.Session) {
	if err := g.rooms.BroadcastExcept(rm, kind, MemberPayload{
		Room:        rm,
		UserID:      sess.UserID,
		Username:    sess.Username,
		MemberCount: g.rooms.MemberCount(rm),
	}, sess.ID); err != nil {
		g.log.Warn("member broadcast failed",
			zap.String("room", rm), zap.String("kind", kind), zap.Error(err))
	}
}

func (g *Gateway) refreshGauges() {
	defer g.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.metrics.Rooms.Set(float64(g.rooms.RoomCount()))
			g.metrics.TypingEntries.Set(float64(g.typing.Count()))
		}
	}
}

func (g *Gateway) clientShardFor(sessionID string) *clientShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return g.shards[h.Sum32()%clientShardCount]
}

// extractToken pulls the handshake credential from the query string or the
// Authorization header. Browsers cannot set headers on websocket upgrades, so
// the query parameter comes first.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
