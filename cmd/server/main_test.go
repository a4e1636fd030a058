package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"market-chat/auth"
	"market-chat/client"
	"market-chat/domain"
	"market-chat/infrastructure/ws"
	"market-chat/internal"
	"market-chat/protocol"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/backoff"
)

const testSecret = "integration-test-secret"

func testConfig(t *testing.T) internal.Config {
	return internal.Config{
		Host:                   "127.0.0.1",
		HTTPPort:               8080,
		DebugPort:              8082,
		LogLevel:               "INFO",
		StoreDriver:            internal.StoreBadger,
		BadgerFilepath:         t.TempDir(),
		JWTSecret:              testSecret,
		EditWindow:             time.Minute,
		TypingTimeout:          time.Second,
		KeepAliveTimeout:       10 * time.Second,
		PingInterval:           2 * time.Second,
		WriteTimeout:           time.Second,
		RequestTimeout:         2 * time.Second,
		PushTimeout:            time.Second,
		ConnectionBufferSize:   16,
		MaxMessageSize:         64 * 1024,
		MaxContentLength:       4000,
		HistoryPageSize:        50,
		HistoryMaxPageSize:     200,
		MaxGroupParticipants:   10,
		NotificationTopic:      "chat.notifications",
		NotificationGroup:      "market-chat",
		NotificationBufferSize: 16,
		AttachmentDir:          t.TempDir(),
		AttachmentBaseURL:      "http://localhost:8080/files",
		RestartInterval:        100 * time.Millisecond,
		MetricInterval:         time.Second,
	}
}

type harness struct {
	t   *testing.T
	srv *httptest.Server
}

func startApp(t *testing.T) *harness {
	t.Helper()
	config := testConfig(t)
	require.NoError(t, config.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, config, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	go a.supervisor.Run(ctx)

	srv := httptest.NewServer(a.api.Echo())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.close()
	})
	return &harness{t: t, srv: srv}
}

func (h *harness) token(user domain.UserID) string {
	token, err := auth.GenerateToken(testSecret, user, time.Minute)
	require.NoError(h.t, err)
	return token
}

func (h *harness) call(user domain.UserID, method, path string, body, out any) int {
	h.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&payload).Encode(body))
	}
	r, err := http.NewRequest(method, h.srv.URL+path, &payload)
	require.NoError(h.t, err)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+h.token(user))
	resp, err := http.DefaultClient.Do(r)
	require.NoError(h.t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) dial(user domain.UserID) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + ws.Path + "?access_token=" + h.token(user)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	require.Equal(h.t, protocol.TypeHello, h.next(conn, protocol.TypeHello).Type)
	return conn
}

// next reads frames until one of the wanted type arrives.
func (h *harness) next(conn *websocket.Conn, frameType string) protocol.Frame {
	h.t.Helper()
	require.NoError(h.t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f protocol.Frame
		require.NoError(h.t, conn.ReadJSON(&f))
		if f.Type == frameType {
			return f
		}
		require.NotEqual(h.t, protocol.TypeError, f.Type, string(f.Data))
	}
}

func (h *harness) send(conn *websocket.Conn, requestID string, conversationID, content string) protocol.Message {
	h.t.Helper()
	f, err := protocol.NewFrame(protocol.TypeSend, requestID, protocol.SendRequest{ConversationID: conversationID, Content: content})
	require.NoError(h.t, err)
	require.NoError(h.t, conn.WriteJSON(f))
	var ack protocol.Ack
	require.NoError(h.t, h.next(conn, protocol.TypeAck).Payload(&ack))
	require.NotNil(h.t, ack.Message)
	return *ack.Message
}

func nextMessage(t *testing.T, c *client.Client) protocol.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			require.True(t, ok, "client stopped")
			if f.Type != protocol.TypeMessage {
				continue
			}
			var msg protocol.Message
			require.NoError(t, f.Payload(&msg))
			return msg
		case <-timeout:
			require.FailNow(t, "no message frame")
		}
	}
}

func TestApp_Offline_Recipient_Catches_Up_Then_Receives_Live(t *testing.T) {
	req := require.New(t)
	h := startApp(t)

	// Given a private conversation between alice and bob
	var conv protocol.Conversation
	req.Equal(http.StatusOK, h.call("alice", http.MethodPost, "/v1/conversations/private",
		protocol.CreatePrivateRequest{UserID: "bob"}, &conv))
	req.Equal("PRIVATE", conv.Kind)

	// When alice says hello while bob is offline
	alice := h.dial("alice")
	hello := h.send(alice, "r1", conv.ID, "hello")

	// Then the message is committed at sequence 1
	req.Equal(int64(1), hello.Sequence)

	// And bob finds it in history with one unread message
	var page protocol.HistoryPage
	req.Equal(http.StatusOK, h.call("bob", http.MethodGet,
		"/v1/history?conversationId="+conv.ID+"&afterSequence=0", nil, &page))
	req.Len(page.Messages, 1)
	req.Equal("hello", page.Messages[0].Content)
	req.Equal(int64(1), page.Messages[0].Sequence)

	var unread protocol.Unread
	req.Equal(http.StatusOK, h.call("bob", http.MethodGet, "/v1/unread", nil, &unread))
	req.Equal(1, unread.Total)
	req.Equal(1, unread.ByConversation[conv.ID])

	// When bob connects with the reconnecting client
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bob := client.New(logs.GetLoggerFromLevel(slog.LevelDebug), client.Config{
		BaseURL: h.srv.URL,
		Token:   h.token("bob"),
		Backoff: backoff.Config{BaseDelay: 10 * time.Millisecond, Multiplier: 1.6, MaxDelay: 100 * time.Millisecond},
	})
	bob.Track(domain.ConversationID(conv.ID), 0)
	done := make(chan error, 1)
	go func() { done <- bob.Run(ctx) }()

	// Then the missed message comes through the resync
	req.Equal("hello", nextMessage(t, bob).Content)
	req.Eventually(func() bool { return bob.State() == client.Open }, 3*time.Second, 10*time.Millisecond)

	// When alice keeps talking
	for i, content := range []string{"is it still available?", "I can pick it up today"} {
		h.send(alice, "r"+string(rune('2'+i)), conv.ID, content)
	}

	// Then bob receives the live messages in commit order
	second := nextMessage(t, bob)
	third := nextMessage(t, bob)
	req.Equal(int64(2), second.Sequence)
	req.Equal(int64(3), third.Sequence)
	req.Equal("I can pick it up today", third.Content)

	// When bob reads everything
	req.NoError(bob.Send(protocol.TypeMarkRead, "read-1", protocol.MarkReadRequest{ConversationID: conv.ID, UpToSequence: 3}))

	// Then alice is told
	var read protocol.Read
	req.NoError(h.next(alice, protocol.TypeRead).Payload(&read))
	req.Equal("bob", read.UserID)
	req.Equal(int64(3), read.UpToSequence)

	// And bob has nothing left to read
	req.Eventually(func() bool {
		var u protocol.Unread
		return h.call("bob", http.MethodGet, "/v1/unread", nil, &u) == http.StatusOK && u.Total == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	req.NoError(<-done)
}

func TestApp_Health_Reports_Ready(t *testing.T) {
	req := require.New(t)
	h := startApp(t)

	resp, err := http.Get(h.srv.URL + "/health")
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()

	req.Equal(http.StatusOK, resp.StatusCode)
}

func TestApp_Rejects_Strangers(t *testing.T) {
	req := require.New(t)
	h := startApp(t)

	// Given a conversation between alice and bob
	var conv protocol.Conversation
	req.Equal(http.StatusOK, h.call("alice", http.MethodPost, "/v1/conversations/private",
		protocol.CreatePrivateRequest{UserID: "bob"}, &conv))

	// When mallory reads or writes in it
	readStatus := h.call("mallory", http.MethodGet, "/v1/history?conversationId="+conv.ID, nil, nil)
	sendStatus := h.call("mallory", http.MethodPost, "/v1/messages",
		protocol.SendRequest{ConversationID: conv.ID, Content: "hi"}, nil)

	// Then both are refused
	req.Equal(http.StatusForbidden, readStatus)
	req.Equal(http.StatusForbidden, sendStatus)
}
