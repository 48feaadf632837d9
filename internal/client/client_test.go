package client

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
	"github.com/theandrunique/messenger-api-client-sub000/internal/config"
	"github.com/theandrunique/messenger-api-client-sub000/internal/devserver"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/readstate"
	"github.com/theandrunique/messenger-api-client-sub000/internal/session"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func apiCreateDM(otherID string) api.CreateChannelRequest {
	return api.CreateChannelRequest{Kind: model.ChannelKindDM, MemberIDs: []string{otherID}}
}

func apiCreateGroup(name string, memberIDs ...string) api.CreateChannelRequest {
	return api.CreateChannelRequest{Kind: model.ChannelKindGroup, Name: name, MemberIDs: memberIDs}
}

func startServer(t *testing.T) (*httptest.Server, *devserver.Server) {
	t.Helper()
	ds := devserver.New()
	srv := httptest.NewServer(ds.Handler())
	t.Cleanup(func() {
		ds.Close()
		srv.Close()
	})
	return srv, ds
}

func newClient(t *testing.T, srv *httptest.Server, username string) *Client {
	t.Helper()
	cfg := &config.Config{
		APIBaseURL:      srv.URL,
		GatewayURL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/gateway",
		HTTPTimeout:     5 * time.Second,
		MessagePageSize: 50,
		AckDebounce:     30 * time.Millisecond,
	}
	c, err := New(cfg, session.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx := context.Background()
	_, err = c.Register(ctx, username, username+"@dev.local", "password-1")
	require.NoError(t, err)
	require.NoError(t, c.Login(ctx, username, "password-1"))
	return c
}

// Полный путь: регистрация, канал, живые события, подтверждение
// прочтения и вложение — против dev-сервера с id за пределами float64.
func TestClient_EndToEnd(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()

	alice := newClient(t, srv, "alice")
	bob := newClient(t, srv, "bob")

	require.NoError(t, alice.SyncChannels(ctx))
	require.NoError(t, bob.SyncChannels(ctx))
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))

	// Алиса создаёт DM; Боб узнаёт о канале по событию, без refetch.
	ch, err := alice.API.CreateChannel(ctx, apiCreateDM(bob.UserID()))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := bob.Channels.Get(ch.ID)
		return ok
	}, waitFor, tick)

	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	nonce := alice.Send(ch.ID, "hello bob", nil)
	require.NotEmpty(t, nonce)

	var got model.Message
	require.Eventually(t, func() bool {
		msgs := bob.Messages.Messages(ch.ID)
		if len(msgs) != 1 {
			return false
		}
		got = msgs[0]
		return true
	}, waitFor, tick)
	assert.Equal(t, "hello bob", got.Content)

	// id живут за пределами точного диапазона float64 и сравниваются
	// только как строки-числа.
	beyond := "9007199254740992"
	assert.True(t, snowflake.IsNewer(&got.ID, &beyond))
	assert.Greater(t, len(got.ID), 15)

	// У Боба канал непрочитан, пока сообщение не побывало на экране.
	bobCh, _ := bob.Channels.Get(ch.ID)
	assert.True(t, readstate.HasUnread(bobCh, bob.UserID()))

	bob.MessageVisible(ch.ID, got)
	require.Eventually(t, func() bool {
		c, _ := bob.Channels.Get(ch.ID)
		return !readstate.HasUnread(c, bob.UserID())
	}, waitFor, tick)

	// Ack Боба долетает до Алисы: её превью получает чужой watermark.
	require.Eventually(t, func() bool {
		c, ok := alice.Channels.Get(ch.ID)
		return ok && c.MaxReadMessageID != nil && *c.MaxReadMessageID == got.ID
	}, waitFor, tick)
}

func TestClient_AttachmentRoundTrip(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()

	alice := newClient(t, srv, "alice")
	bob := newClient(t, srv, "bob")
	require.NoError(t, alice.SyncChannels(ctx))
	require.NoError(t, bob.Connect(ctx))

	ch, err := alice.API.CreateChannel(ctx, apiCreateDM(bob.UserID()))
	require.NoError(t, err)
	require.NoError(t, bob.SyncChannels(ctx))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))

	id := alice.AttachFile("cat.png", "image/png", 9, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("png bytes")), nil
	})
	require.NoError(t, alice.StartUploads(ctx, ch.ID, []string{id}))
	alice.Send(ch.ID, "look", []string{id})

	require.Eventually(t, func() bool {
		msgs := bob.Messages.Messages(ch.ID)
		return len(msgs) == 1 && len(msgs[0].Attachments) == 1
	}, waitFor, tick)

	att := bob.Messages.Messages(ch.ID)[0].Attachments[0]
	assert.True(t, strings.HasSuffix(att.Filename, "_cat.png"), "серверное имя уникализировано: %s", att.Filename)
	assert.Equal(t, int64(9), att.Size)
	assert.NotEmpty(t, att.URL)
}

func TestClient_MemberAddTriggersRefetch(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()

	alice := newClient(t, srv, "alice")
	bob := newClient(t, srv, "bob")
	carol := newClient(t, srv, "carol")

	require.NoError(t, carol.SyncChannels(ctx))
	require.NoError(t, carol.Connect(ctx))

	ch, err := alice.API.CreateChannel(ctx, apiCreateGroup("team", bob.UserID()))
	require.NoError(t, err)
	assert.Empty(t, carol.Channels.List())

	// Добавление Кэрол приходит ей событием про незнакомый канал и
	// заставляет клиента перечитать список целиком.
	require.NoError(t, alice.API.AddMember(ctx, ch.ID, carol.UserID()))
	require.Eventually(t, func() bool {
		got, ok := carol.Channels.Get(ch.ID)
		return ok && got.HasMember(carol.UserID())
	}, waitFor, tick)
}
