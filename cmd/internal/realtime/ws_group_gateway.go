package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
	v1 "github.com/Purna998/studverse-chatapplication/shared/contracts/chat/v1"
)

// RoomForGroup derives the room name for a group.
func RoomForGroup(groupID int64) string {
	return fmt.Sprintf("group_%d", groupID)
}

// GroupWSGateway is the websocket entrypoint for group chat.
//
// It differs from the direct gateway deliberately:
//   - membership is checked once at connect time, not per message;
//   - persistence is synchronous and in-line: only after a successful durable
//     write is the full stored record published to the room, so a client can
//     never see a group message that failed to persist;
//   - there is no dedup window, because the single stored record is fanned
//     out exactly once.
type GroupWSGateway struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	tokens   auth.TokenValidator
	members  MembershipStore
	metrics  *Metrics

	originPatterns []string
	devInsecure    bool

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	rateEvents int
	rateWindow time.Duration
}

// NewGroupWSGateway constructs the group gateway.
func NewGroupWSGateway(log *slog.Logger, registry *Registry, store MessageStore, tokens auth.TokenValidator, members MembershipStore, metrics *Metrics) *GroupWSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &GroupWSGateway{
		log:      log,
		registry: registry,
		store:    store,
		tokens:   tokens,
		members:  members,
		metrics:  metrics,
	}

	g.devInsecure = envBoolWS("SV_WS_DEV_INSECURE", false)
	g.originPatterns = originPatternsFromEnv("SV_WS_ALLOWED_ORIGINS", "localhost,127.0.0.1")

	g.writeTimeout = envDurationWS("SV_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("SV_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("SV_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.rateEvents = envIntWS("SV_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("SV_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// HandleWS serves "GET /ws/group/{id}" upgrades.
func (g *GroupWSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || groupID <= 0 {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.group.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	identity, closeCode, err := g.authenticate(r, groupID)
	if err != nil {
		g.log.Info("ws.group.reject", "group_id", groupID, "code", int(closeCode), "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(closeCode, err.Error())
		return
	}

	room := RoomForGroup(groupID)
	sessionID := NewRandomHex(10)
	client := NewClient(identity.Username, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.registry.Join(room, client)
	g.metrics.sessionOpened()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Leave(room, sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.sessionClosed()
			g.log.Info("ws.group.session.closed", "session_id", sessionID, "group_id", groupID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.runWriter(ctx, conn, client, func() {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		})
	}()

	g.log.Info("ws.group.session.active", "session_id", sessionID, "group_id", groupID, "user", identity.Username)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			default:
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := g.handleFrame(ctx, client, identity.Username, groupID, room, data, now); err != nil {
			g.metrics.incDropped()
			g.log.Info("ws.group.frame.reject", "session_id", sessionID, "err", err)
			g.trySendError(client, err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
}

func (g *GroupWSGateway) authenticate(r *http.Request, groupID int64) (auth.Identity, websocket.StatusCode, error) {
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

	if g.members == nil {
		return auth.Identity{}, CloseNotMember, errors.New("no membership store configured")
	}
	ok, err := g.members.IsMember(r.Context(), identity.Username, groupID)
	if err != nil {
		return auth.Identity{}, CloseNotMember, fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return auth.Identity{}, CloseNotMember, errors.New("not a member")
	}

	return identity, 0, nil
}

func (g *GroupWSGateway) handleFrame(ctx context.Context, client *Client, username string, groupID int64, room string, data []byte, now time.Time) error {
	in, err := v1.DecodeGroupInbound(data)
	if err != nil {
		return err
	}

	switch ev := in.(type) {
	case v1.Ping:
		g.enqueue(client, controlFrame{frame: v1.NewPong(ev.Timestamp)})
		return nil
	case v1.GroupSend:
		return g.handleSend(ctx, username, groupID, room, ev, now)
	default:
		return errors.New("unsupported frame")
	}
}

// handleSend persists first and publishes only on success. A storage failure
// fails the whole send and is surfaced to the sender; nothing is fanned out.
func (g *GroupWSGateway) handleSend(ctx context.Context, username string, groupID int64, room string, send v1.GroupSend, now time.Time) error {
	if send.Sender != username {
		return errors.New("sender does not match session identity")
	}
	if len([]rune(send.Message)) > maxMessageChars {
		return errors.New("message too long")
	}

	stored, err := g.store.AppendGroupMessage(ctx, GroupWrite{
		GroupID:    groupID,
		Sender:     send.Sender,
		Body:       send.Message,
		Attachment: send.Attachment,
		SentAt:     now,
	})
	if err != nil {
		g.metrics.incGroupWriteFailed()
		g.log.Error("ws.group.store.fail", "group_id", groupID, "err", err)
		return errors.New("message could not be saved")
	}

	g.registry.Publish(room, GroupEvent{Stored: stored})
	g.metrics.incGroupPublished()
	return nil
}

// runWriter mirrors the direct gateway's writer loop. Group events carry the
// stored record, so no outbound dedup window is consulted.
func (g *GroupWSGateway) runWriter(ctx context.Context, conn *websocket.Conn, client *Client, onWriteFail func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev := <-client.Send:
			frames, ok := groupFramesFor(ev)
			if !ok {
				continue
			}
			for _, frame := range frames {
				if err := writeJSON(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.group.write.fail", "session_id", client.SessionID, "err", err)
					onWriteFail()
					return
				}
			}
		}
	}
}

func groupFramesFor(ev Event) ([]any, bool) {
	switch e := ev.(type) {
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

func (g *GroupWSGateway) trySendError(client *Client, msg string) {
	g.enqueue(client, controlFrame{frame: v1.NewErrorFrame(msg)})
}

func (g *GroupWSGateway) enqueue(client *Client, ev Event) bool {
	select {
	case <-client.Done():
		return false
	case client.Send <- ev:
		return true
	default:
		return false
	}
}
