package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSend(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{APIURL: srv.URL, BotToken: "T0K", OperatorChatID: "ops"}, nil)

	ok, err := tg.Send(context.Background(), Message{Text: "<b>hi</b>", Operator: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/botT0K/sendMessage", path)
	assert.Equal(t, "ops", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])

	ok, err = tg.Send(context.Background(), Message{Text: "x", ChatID: "555"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "555", got["chat_id"])
}

func TestTelegramSkipsWithoutTarget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	noToken := NewTelegram(TelegramConfig{APIURL: srv.URL, OperatorChatID: "ops"}, nil)
	ok, err := noToken.Send(context.Background(), Message{Operator: true})
	require.NoError(t, err)
	assert.False(t, ok)

	noChat := NewTelegram(TelegramConfig{APIURL: srv.URL, BotToken: "t"}, nil)
	ok, err = noChat.Send(context.Background(), Message{Text: "subscriber without chat"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, calls)
}

func TestTelegramDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{APIURL: srv.URL, BotToken: "t"}, nil)
	ok, err := tg.Send(context.Background(), Message{ChatID: "1", Text: "x"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "chat not found")
}

type stubNotifier struct {
	ok   bool
	err  error
	msgs []Message
}

func (s *stubNotifier) Send(_ context.Context, msg Message) (bool, error) {
	s.msgs = append(s.msgs, msg)
	return s.ok, s.err
}

func TestMulti(t *testing.T) {
	failing := &stubNotifier{err: errors.New("down")}
	working := &stubNotifier{ok: true}

	ok, err := Multi{failing, nil, working}.Send(context.Background(), Message{Text: "x"})
	assert.True(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	require.Len(t, working.msgs, 1)
	assert.False(t, working.msgs[0].SentAt.IsZero())

	ok, err = Multi{}.Send(context.Background(), Message{})
	assert.False(t, ok)
	assert.NoError(t, err)
}

type broadcastStub struct{ stubNotifier }

func (*broadcastStub) Broadcasts() bool { return true }

func TestMultiIgnoresBroadcastDelivery(t *testing.T) {
	chat := &stubNotifier{err: errors.New("telegram down")}
	listeners := &broadcastStub{stubNotifier{ok: true}}

	ok, err := Multi{chat, listeners}.Send(context.Background(), Message{Kind: KindPriceChange, ChatID: "111"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.Len(t, listeners.msgs, 1)

	chat.err, chat.ok = nil, true
	ok, err = Multi{chat, listeners}.Send(context.Background(), Message{Kind: KindPriceChange, ChatID: "111"})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ok, err := hub.Send(context.Background(), Message{Text: "nobody listening"})
	require.NoError(t, err)
	assert.False(t, ok)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ok, err = hub.Send(context.Background(), Message{Kind: KindPriceChange, Text: "price dropped", ChatID: "secret"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, KindPriceChange, got["kind"])
	assert.Equal(t, "price dropped", got["text"])
	assert.NotContains(t, got, "ChatID")
}
