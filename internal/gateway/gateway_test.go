package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/timeline"
)

var (
	alice = model.User{ID: "u-alice", Username: "alice"}
	bob   = model.User{ID: "u-bob", Username: "bob"}
)

type emptyHistory struct{}

func (emptyHistory) Messages(context.Context, string, *string, int) ([]model.Message, error) {
	return nil, nil
}

func msg(id, channelID string, author model.User) model.Message {
	return model.Message{
		ID:        id,
		ChannelID: channelID,
		Author:    author,
		Content:   "hi",
		Timestamp: time.Now().UTC(),
		Type:      model.MessageTypeDefault,
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	raw, err := Encode(MessageCreate{Message: msg("9007199254740993", "ch-1", alice)})
	require.NoError(t, err)

	ev, err := Decode(raw)
	require.NoError(t, err)
	mc, ok := ev.(MessageCreate)
	require.True(t, ok, "ожидали MessageCreate, получили %T", ev)
	assert.Equal(t, "9007199254740993", mc.Message.ID)
	assert.Equal(t, "u-alice", mc.Message.Author.ID)

	raw, err = Encode(MessageAck{ChannelID: "ch-1", MessageID: "200", MemberID: "u-bob"})
	require.NoError(t, err)
	ev, err = Decode(raw)
	require.NoError(t, err)
	ack, ok := ev.(MessageAck)
	require.True(t, ok)
	assert.Equal(t, "u-bob", ack.MemberID)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"TYPING_START","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TYPING_START")
}

func newRouter(t *testing.T, refetch func(ctx context.Context) error) (*Router, *cache.ChannelCache, *timeline.Timeline) {
	t.Helper()
	c := cache.NewChannelCache()
	c.UpsertFromFetch([]model.Channel{{ID: "ch-1", Members: []model.User{alice, bob}}})
	tl := timeline.New(emptyHistory{}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)
	return NewRouter(c, tl, bob.ID, refetch), c, tl
}

func TestRouter_MessageCreate(t *testing.T) {
	r, c, tl := newRouter(t, nil)

	r.Dispatch(context.Background(), MessageCreate{Message: msg("9007199254740993", "ch-1", alice)})

	require.Len(t, tl.Messages("ch-1"), 1)
	ch, _ := c.Get("ch-1")
	require.NotNil(t, ch.LastMessage)
	assert.Equal(t, "9007199254740993", ch.LastMessage.ID)
}

func TestRouter_AckMovesWatermark(t *testing.T) {
	r, c, _ := newRouter(t, nil)

	r.Dispatch(context.Background(), MessageCreate{Message: msg("100", "ch-1", alice)})
	r.Dispatch(context.Background(), MessageAck{ChannelID: "ch-1", MessageID: "100", MemberID: bob.ID})

	ch, _ := c.Get("ch-1")
	require.NotNil(t, ch.LastReadMessageID)
	assert.Equal(t, "100", *ch.LastReadMessageID)
	assert.Nil(t, ch.MaxReadMessageID, "свой ack не трогает чужой watermark")
}

func TestRouter_MemberAddSelfRefetches(t *testing.T) {
	refetched := 0
	r, c, _ := newRouter(t, func(ctx context.Context) error {
		refetched++
		return nil
	})

	r.Dispatch(context.Background(), ChannelMemberAdd{ChannelID: "ch-2", User: bob})
	assert.Equal(t, 1, refetched, "добавление себя в незнакомый канал требует refetch")

	r.Dispatch(context.Background(), ChannelMemberAdd{ChannelID: "ch-1", User: alice})
	assert.Equal(t, 1, refetched, "чужое добавление refetch не вызывает")
	ch, _ := c.Get("ch-1")
	assert.Len(t, ch.Members, 2, "дубликат участника не добавляется")
}

func TestRouter_MemberRemoveSelfDropsChannel(t *testing.T) {
	r, c, _ := newRouter(t, nil)

	r.Dispatch(context.Background(), ChannelMemberRemove{ChannelID: "ch-1", User: bob})
	_, ok := c.Get("ch-1")
	assert.False(t, ok)
}

func TestConn_ReceivesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		for _, ev := range []Event{
			MessageCreate{Message: msg("101", "ch-1", alice)},
			MessageAck{ChannelID: "ch-1", MessageID: "101", MemberID: alice.ID},
		} {
			raw, err := Encode(ev)
			require.NoError(t, err)
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
		}
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), url, "token-1")
	require.NoError(t, err)
	defer conn.Close()

	var got []Event
	for ev := range conn.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2, "события приходят в порядке отправки")
	assert.IsType(t, MessageCreate{}, got[0])
	assert.IsType(t, MessageAck{}, got[1])

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("соединение не закрылось после close-кадра")
	}
}
