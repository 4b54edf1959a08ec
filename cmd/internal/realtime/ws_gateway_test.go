package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
	v1 "github.com/Purna998/studverse-chatapplication/shared/contracts/chat/v1"
)

// staticTokens maps raw token strings to identities.
type staticTokens map[string]auth.Identity

func (s staticTokens) Validate(_ context.Context, token string) (auth.Identity, error) {
	id, ok := s[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

func newTestGateway(t *testing.T, store MessageStore, tokens auth.TokenValidator) *WSGateway {
	t.Helper()
	log := testLogger()
	return NewWSGateway(log, NewRegistry(log), store, tokens, StaticProfiles{
		"alice": {FullName: "Alice A.", Avatar: "alice.png"},
	}, nil)
}

func startChatServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", gw.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialChat(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/chat"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string, maxReads int) map[string]any {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		m := readFrame(t, conn, 5*time.Second)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("did not receive frame type %q in %d reads", typ, maxReads)
	return nil
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, wantCode websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close, read succeeded")
	}
	if got := websocket.CloseStatus(err); got != wantCode {
		t.Fatalf("close code=%d, want %d (err=%v)", got, wantCode, err)
	}
}

func chatTokens() staticTokens {
	return staticTokens{
		"tok-alice": {UserID: 1, Username: "alice"},
		"tok-bob":   {UserID: 2, Username: "bob"},
	}
}

func TestWSGateway_MissingTokenClosed4001(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	conn := dialChat(t, ts.URL, "")
	expectClose(t, conn, CloseNoCredential)
}

func TestWSGateway_InvalidTokenClosed4002(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	conn := dialChat(t, ts.URL, "tok-mallory")
	expectClose(t, conn, CloseInvalidCredential)
}

func TestWSGateway_PingPong(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	conn := dialChat(t, ts.URL, "tok-alice")

	writeFrame(t, conn, map[string]any{"type": "ping", "timestamp": 12345})
	pong := readUntil(t, conn, v1.TypePong, 3)
	if ts, _ := pong["timestamp"].(float64); int64(ts) != 12345 {
		t.Fatalf("pong timestamp=%v, want 12345", pong["timestamp"])
	}
}

func TestWSGateway_DirectDeliveryAndEcho(t *testing.T) {
	store := NewInMemoryStore()
	gw := newTestGateway(t, store, chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")
	bob := dialChat(t, ts.URL, "tok-bob")

	// Both sessions must be in their rooms before the send.
	waitFor(t, 2*time.Second, func() bool {
		return gw.Registry().Subscribers(RoomForUser("alice")) == 1 &&
			gw.Registry().Subscribers(RoomForUser("bob")) == 1
	})

	sentMS := time.Now().UnixMilli()
	writeFrame(t, alice, map[string]any{
		"message":   "hello bob",
		"sender":    "alice",
		"receiver":  "bob",
		"timestamp": sentMS,
	})

	got := readUntil(t, bob, v1.TypeMessage, 3)
	if got["message"] != "hello bob" || got["sender"] != "alice" {
		t.Fatalf("delivered frame mismatch: %v", got)
	}
	if got["sender_full_name"] != "Alice A." {
		t.Fatalf("profile enrichment missing: %v", got)
	}
	if got["is_new_conversation"] != true {
		t.Fatalf("first message must flag a new conversation: %v", got)
	}
	deliveredID, _ := got["message_id"].(string)
	if deliveredID == "" {
		t.Fatalf("delivered frame missing message_id")
	}

	// A brand-new conversation announces itself to the receiver.
	refresh := readUntil(t, bob, v1.TypeConversationRefresh, 3)
	if refresh["sender"] != "alice" {
		t.Fatalf("refresh frame mismatch: %v", refresh)
	}

	echo := readUntil(t, alice, v1.TypeMessageSent, 3)
	if echoID, _ := echo["message_id"].(string); echoID != deliveredID {
		t.Fatalf("echo id %q != delivered id %q", echoID, deliveredID)
	}

	// Delivery happened before persistence; the durable write follows.
	waitFor(t, 3*time.Second, func() bool {
		convs, err := store.ListConversations(context.Background(), "bob")
		return err == nil && len(convs) == 1 && convs[0].UnreadCount == 1
	})
}

func TestWSGateway_DuplicateSendDeliveredOnce(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")
	bob := dialChat(t, ts.URL, "tok-bob")

	waitFor(t, 2*time.Second, func() bool {
		return gw.Registry().Subscribers(RoomForUser("bob")) == 1
	})

	frame := map[string]any{
		"message":   "once",
		"sender":    "alice",
		"receiver":  "bob",
		"timestamp": 1700000000123,
	}
	// A client retry resends the identical frame.
	writeFrame(t, alice, frame)
	writeFrame(t, alice, frame)

	// A distinct follow-up proves the duplicate was swallowed, not delayed.
	writeFrame(t, alice, map[string]any{
		"message":   "twice",
		"sender":    "alice",
		"receiver":  "bob",
		"timestamp": 1700000000999,
	})

	first := readUntil(t, bob, v1.TypeMessage, 3)
	if first["message"] != "once" {
		t.Fatalf("first delivery mismatch: %v", first)
	}
	second := readUntil(t, bob, v1.TypeMessage, 3)
	if second["message"] != "twice" {
		t.Fatalf("expected the follow-up, got duplicate: %v", second)
	}
}

func TestWSGateway_SenderIdentityEnforced(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")

	writeFrame(t, alice, map[string]any{
		"message":  "spoofed",
		"sender":   "bob",
		"receiver": "alice",
	})

	errFrame := readUntil(t, alice, v1.TypeError, 3)
	if errFrame["message"] == "" {
		t.Fatalf("error frame missing message: %v", errFrame)
	}

	// The session stays usable after a rejected frame.
	writeFrame(t, alice, map[string]any{"type": "ping", "timestamp": 1})
	readUntil(t, alice, v1.TypePong, 3)
}

func TestWSGateway_MalformedFrameRejectedSessionSurvives(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := alice.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		cancel()
		t.Fatalf("write malformed: %v", err)
	}
	cancel()

	readUntil(t, alice, v1.TypeError, 3)

	writeFrame(t, alice, map[string]any{"type": "ping", "timestamp": 2})
	readUntil(t, alice, v1.TypePong, 3)
}

func TestWSGateway_FanoutSurvivesFailingStore(t *testing.T) {
	store := newRecordingStore()
	store.failAll = true
	gw := newTestGateway(t, store, chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")
	bob := dialChat(t, ts.URL, "tok-bob")

	waitFor(t, 2*time.Second, func() bool {
		return gw.Registry().Subscribers(RoomForUser("bob")) == 1
	})

	writeFrame(t, alice, map[string]any{
		"message":  "still delivered",
		"sender":   "alice",
		"receiver": "bob",
	})

	got := readUntil(t, bob, v1.TypeMessage, 3)
	if got["message"] != "still delivered" {
		t.Fatalf("delivery must not depend on storage: %v", got)
	}
	if id, _ := got["conversation_id"]; id != nil {
		t.Fatalf("conversation_id must stay null while no durable write landed, got %v", id)
	}
}

func TestWSGateway_ConversationIDAppearsAfterDurableWrite(t *testing.T) {
	store := NewInMemoryStore()
	gw := newTestGateway(t, store, chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")
	bob := dialChat(t, ts.URL, "tok-bob")

	waitFor(t, 2*time.Second, func() bool {
		return gw.Registry().Subscribers(RoomForUser("bob")) == 1
	})

	writeFrame(t, alice, map[string]any{"message": "first", "sender": "alice", "receiver": "bob"})
	first := readUntil(t, bob, v1.TypeMessage, 3)
	if first["conversation_id"] != nil {
		t.Fatalf("first frame must carry a null conversation_id, got %v", first["conversation_id"])
	}

	// Once the batcher has flushed, the pair cache resolves the id.
	waitFor(t, 3*time.Second, func() bool {
		_, ok := gw.convCache.lookup("alice", "bob")
		return ok
	})

	writeFrame(t, alice, map[string]any{"message": "second", "sender": "alice", "receiver": "bob"})
	second := readUntil(t, bob, v1.TypeMessage, 3)
	if second["conversation_id"] == nil {
		t.Fatalf("second frame must carry the resolved conversation_id")
	}
	if second["is_new_conversation"] != false {
		t.Fatalf("known pair must not flag a new conversation: %v", second)
	}
}

func TestWSGateway_SelfMessageSingleEcho(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")

	writeFrame(t, alice, map[string]any{
		"message":   "note to self",
		"sender":    "alice",
		"receiver":  "alice",
		"timestamp": 1700000001000,
	})

	echo := readUntil(t, alice, v1.TypeMessageSent, 3)
	if echo["message"] != "note to self" {
		t.Fatalf("self echo mismatch: %v", echo)
	}

	// The shared message id means the writer window suppresses a second copy.
	writeFrame(t, alice, map[string]any{"type": "ping", "timestamp": 3})
	next := readFrame(t, alice, 5*time.Second)
	if next["type"] != v1.TypePong {
		t.Fatalf("expected only the pong after the single echo, got %v", next)
	}
}

func TestWSGateway_OversizedMessageRejected(t *testing.T) {
	gw := newTestGateway(t, NewInMemoryStore(), chatTokens())
	ts := startChatServer(t, gw)

	alice := dialChat(t, ts.URL, "tok-alice")

	long := make([]byte, maxMessageChars+1)
	for i := range long {
		long[i] = 'a'
	}
	writeFrame(t, alice, map[string]any{
		"message":  string(long),
		"sender":   "alice",
		"receiver": "bob",
	})

	readUntil(t, alice, v1.TypeError, 3)
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"localhost", "localhost"},
		{"LOCALHOST:3000", "localhost"},
		{"https://app.example.com", "app.example.com"},
		{"http://app.example.com:8080", "app.example.com"},
		{"  ", ""},
	}
	for _, tc := range tests {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	if classifyReadErr(context.Canceled) != readErrCtxDone {
		t.Fatalf("context.Canceled must classify as ctx done")
	}
	if classifyReadErr(errors.New("boom")) != readErrUnknown {
		t.Fatalf("arbitrary errors classify as unknown")
	}
}

func TestRoomForUserAndGroup(t *testing.T) {
	t.Parallel()

	if RoomForUser("alice") != "chat_alice" {
		t.Fatalf("RoomForUser mismatch")
	}
	if RoomForGroup(7) != "group_"+strconv.Itoa(7) {
		t.Fatalf("RoomForGroup mismatch")
	}
}
