// Package realtime contains StudVerse's realtime websocket gateways, room
// registry, and message persistence primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
	v1 "github.com/Purna998/studverse-chatapplication/shared/contracts/chat/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Bound on awaiting the batcher's final flush during teardown.
	wsBatcherStopWait = 3 * time.Second
)

// sessionState tracks the lifecycle of one gateway session for logging.
type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// RoomForUser derives the per-user room name.
func RoomForUser(username string) string {
	return "chat_" + username
}

// WSGateway is the websocket entrypoint for direct (1:1) chat.
//
// It authenticates at connect time, joins the per-user room, and runs two
// concurrent flows per session: the inbound-event loop and the persistence
// batcher, synchronized only through the pending-write queue.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	tokens   auth.TokenValidator
	profiles ProfileStore
	metrics  *Metrics

	convCache *conversationCache

	originPatterns []string
	devInsecure    bool

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When registry/store are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, registry *Registry, store MessageStore, tokens auth.TokenValidator, profiles ProfileStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{
		log:       log,
		registry:  registry,
		store:     store,
		tokens:    tokens,
		profiles:  profiles,
		metrics:   metrics,
		convCache: newConversationCache(),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS/origin verification).
	g.devInsecure = envBoolWS("SV_WS_DEV_INSECURE", false)
	g.originPatterns = originPatternsFromEnv("SV_WS_ALLOWED_ORIGINS", "localhost,127.0.0.1")

	g.writeTimeout = envDurationWS("SV_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("SV_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("SV_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("SV_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("SV_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("SV_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("SV_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Registry exposes the room registry for wiring and tests.
func (g *WSGateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	// Authentication-at-connect. The credential travels as a query parameter
	// on the connection URL; no anonymous or degraded sessions.
	identity, closeCode, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.token", "state", stateConnecting.String(), "code", int(closeCode), "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(closeCode, err.Error())
		return
	}

	room := RoomForUser(identity.Username)
	sessionID := NewRandomHex(10)
	client := NewClient(identity.Username, sessionID, g.sendQueueSize)

	profile := g.lookupProfile(r.Context(), identity.Username)

	g.log.Info("ws.session.authenticated", "state", stateAuthenticated.String(), "session_id", sessionID, "user", identity.Username, "room", room)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	batcher := NewBatcher(g.log, g.store, g.convCache, g.metrics)
	go batcher.Run(ctx)

	g.registry.Join(room, client)
	g.metrics.sessionOpened()

	var closeOnce sync.Once

	// shutdown is idempotent. Teardown is best-effort: the batcher stop is
	// awaited with a bound, and the registry leave happens regardless.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.log.Info("ws.session.closing", "state", stateClosing.String(), "session_id", sessionID, "reason", reason)

			cancel()
			select {
			case <-batcher.Done():
			case <-time.After(wsBatcherStopWait):
				g.log.Warn("ws.batcher.stop.timeout", "session_id", sessionID)
			}

			g.registry.Leave(room, sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			g.metrics.sessionClosed()

			g.log.Info("ws.session.closed", "state", stateClosed.String(), "session_id", sessionID)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.runWriter(ctx, conn, client, identity.Username, func() {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		})
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.runHeartbeat(ctx, conn, client, sessionID, func() {
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		})
	}()

	sess := &session{
		gateway:  g,
		client:   client,
		username: identity.Username,
		room:     room,
		profile:  profile,
		seen:     NewDedupWindow(dedupWindowSize),
		batcher:  batcher,
	}

	g.log.Info("ws.session.active", "state", stateActive.String(), "session_id", sessionID, "user", identity.Username)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		// Any failure handling a frame is recovered locally: logged, and an
		// error frame sent to this client only. The session stays active.
		if err := sess.handleFrame(data, now); err != nil {
			g.metrics.incDropped()
			g.log.Info("ws.frame.reject", "session_id", sessionID, "err", err)
			g.trySendError(client, err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticate extracts and validates the credential from the handshake.
func (g *WSGateway) authenticate(r *http.Request) (auth.Identity, websocket.StatusCode, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return auth.Identity{}, CloseNoCredential, errors.New("no credential")
	}
	if g.tokens == nil {
		return auth.Identity{}, CloseInvalidCredential, errors.New("no validator configured")
	}

	identity, err := g.tokens.Validate(r.Context(), token)
	if err != nil {
		return auth.Identity{}, CloseInvalidCredential, errors.New("invalid credential")
	}
	return identity, 0, nil
}

func (g *WSGateway) lookupProfile(ctx context.Context, username string) Profile {
	if g.profiles == nil {
		return Profile{}
	}
	p, err := g.profiles.Profile(ctx, username)
	if err != nil {
		g.log.Info("ws.profile.lookup.fail", "user", username, "err", err)
		return Profile{}
	}
	return p
}

// session holds the per-connection state owned by the inbound-event loop.
type session struct {
	gateway  *WSGateway
	client   *Client
	username string
	room     string
	profile  Profile

	// seen suppresses duplicate inbound events (echo-resends by clients).
	seen *DedupWindow

	// msgCounter makes server-generated identifiers collision-safe within a
	// millisecond.
	msgCounter uint64

	batcher *Batcher
}

// handleFrame processes one received client frame.
func (s *session) handleFrame(data []byte, now time.Time) error {
	in, err := v1.DecodeInbound(data)
	if err != nil {
		return err
	}

	switch ev := in.(type) {
	case v1.Ping:
		// Liveness probe; never touches the dedup/fanout/persistence paths.
		s.gateway.enqueue(s.client, controlFrame{frame: v1.NewPong(ev.Timestamp)})
		return nil
	case v1.ChatSend:
		return s.handleSend(ev, now)
	default:
		return errors.New("unsupported frame")
	}
}

func (s *session) handleSend(send v1.ChatSend, now time.Time) error {
	if send.Sender != s.username {
		return errors.New("sender does not match session identity")
	}
	if len([]rune(send.Message)) > maxMessageChars {
		return errors.New("message too long")
	}

	s.msgCounter++
	id := DeriveMessageID(send.Sender, send.Receiver, send.Timestamp, now, s.msgCounter)

	// Duplicate inbound events are discarded silently: no error, no send.
	if s.seen.Seen(id) {
		s.gateway.metrics.incDeduped()
		return nil
	}

	ts := NormalizeTimestamp(send.Timestamp, now)

	ev := ChatEvent{
		MessageID:      id,
		Sender:         send.Sender,
		Receiver:       send.Receiver,
		Body:           send.Message,
		Timestamp:      ts,
		SenderFullName: s.profile.FullName,
		SenderAvatar:   s.profile.Avatar,
	}
	if convID, ok := s.gateway.convCache.lookup(send.Sender, send.Receiver); ok {
		ev.ConversationID = &convID
	} else {
		ev.IsNewConversation = true
	}

	// Fanout happens BEFORE persistence: momentary inconsistency is traded
	// for minimum user-perceived latency.
	if send.Receiver != send.Sender {
		s.gateway.registry.Publish(RoomForUser(send.Receiver), ev)
	}

	echo := ev
	echo.Echo = true
	s.gateway.registry.Publish(s.room, echo)
	s.gateway.metrics.incFanned()

	// The pending-write queue never blocks the fanout above.
	s.batcher.Enqueue(DirectWrite{
		Sender:   send.Sender,
		Receiver: send.Receiver,
		Body:     send.Message,
		SentAt:   now,
	})

	return nil
}

// ---- shared goroutines ----

// runWriter drains the client send queue and writes frames to the connection.
// It re-checks the delivered window so an event fanned out to the same
// session twice surfaces only once.
func (g *WSGateway) runWriter(ctx context.Context, conn *websocket.Conn, client *Client, username string, onWriteFail func()) {
	delivered := NewDedupWindow(dedupWindowSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev := <-client.Send:
			frames, ok := framesFor(ev, username, delivered)
			if !ok {
				continue
			}
			for _, frame := range frames {
				if err := writeJSON(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					onWriteFail()
					return
				}
			}
		}
	}
}

// framesFor renders a queued event into wire frames, applying outbound dedup.
func framesFor(ev Event, username string, delivered *DedupWindow) ([]any, bool) {
	switch e := ev.(type) {
	case ChatEvent:
		if delivered.Seen(e.MessageID) {
			return nil, false
		}
		return e.deliverFrames(username), true
	case GroupEvent:
		return []any{v1.GroupDeliver{
			Type:       v1.TypeMessage,
			ID:         e.Stored.ID,
			GroupID:    e.Stored.GroupID,
			Sender:     e.Stored.Sender,
			Message:    e.Stored.Body,
			Attachment: e.Stored.Attachment,
			Timestamp:  e.Stored.SentAt.Unix(),
		}}, true
	case controlFrame:
		return []any{e.frame}, true
	default:
		return nil, false
	}
}

func (g *WSGateway) runHeartbeat(ctx context.Context, conn *websocket.Conn, client *Client, sessionID string, onFail func()) {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					onFail()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, msg string) {
	g.enqueue(client, controlFrame{frame: v1.NewErrorFrame(msg)})
}

func (g *WSGateway) enqueue(client *Client, ev Event) bool {
	select {
	case <-client.Done():
		return false
	case client.Send <- ev:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func writeJSON(parent context.Context, conn *websocket.Conn, frame any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func originPatternsFromEnv(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}

	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		h := originHostOnly(p)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
