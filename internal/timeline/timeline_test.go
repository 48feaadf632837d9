package timeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

var (
	alice = model.User{ID: "u-alice", Username: "alice"}
	bob   = model.User{ID: "u-bob", Username: "bob"}
)

func msg(id int64, author model.User) model.Message {
	return model.Message{
		ID:        strconv.FormatInt(id, 10),
		ChannelID: "ch-1",
		Author:    author,
		Content:   "m",
		Timestamp: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Type:      model.MessageTypeDefault,
	}
}

// fakeHistory отдаёт сообщения с id total..1 страницами от новых к старым.
type fakeHistory struct {
	total int64
	calls int
}

func (f *fakeHistory) Messages(_ context.Context, _ string, before *string, limit int) ([]model.Message, error) {
	f.calls++
	start := f.total
	if before != nil {
		n, _ := strconv.ParseInt(*before, 10, 64)
		start = n - 1
	}
	var page []model.Message
	for id := start; id >= 1 && len(page) < limit; id-- {
		page = append(page, msg(id, bob))
	}
	return page, nil
}

func TestLoadOlder_PaginationTerminates(t *testing.T) {
	f := &fakeHistory{total: 7}
	tl := New(f, 3)
	ctx := context.Background()

	n, err := tl.LoadOlder(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, tl.HasMore("ch-1"))

	for i := 0; i < 2; i++ {
		_, err = tl.LoadOlder(ctx, "ch-1")
		require.NoError(t, err)
	}
	assert.False(t, tl.HasMore("ch-1"), "короткая страница закрывает пагинацию")
	assert.Equal(t, 3, f.calls)

	// Дальше в сеть не ходим.
	n, err = tl.LoadOlder(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, f.calls)

	got := tl.Messages("ch-1")
	require.Len(t, got, 7)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "7", got[6].ID)
}

func TestOnMessageCreated_Dedupe(t *testing.T) {
	tl := New(&fakeHistory{total: 2}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)

	// Оптимистичная вставка и эхо события — одно сообщение в ленте.
	tl.OnMessageCreated(msg(3, alice))
	tl.OnMessageCreated(msg(3, alice))

	got := tl.Messages("ch-1")
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[2].ID)
}

func TestOnMessageCreated_OutOfOrderRepaired(t *testing.T) {
	tl := New(&fakeHistory{total: 0}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)

	tl.OnMessageCreated(msg(9007199254740993, alice))
	tl.OnMessageCreated(msg(9007199254740992, bob))

	got := tl.Messages("ch-1")
	require.Len(t, got, 2)
	assert.Equal(t, "9007199254740992", got[0].ID)
	assert.Equal(t, "9007199254740993", got[1].ID)
}

func TestOnMessageUpdated_InPlaceContentOnly(t *testing.T) {
	tl := New(&fakeHistory{total: 2}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)

	edited := msg(2, alice) // автор в событии не должен перетереть исходного
	edited.Content = "edited"
	now := time.Now().UTC()
	edited.EditedTimestamp = &now
	tl.OnMessageUpdated(edited)

	got := tl.Messages("ch-1")
	assert.Equal(t, "edited", got[1].Content)
	assert.Equal(t, bob.ID, got[1].Author.ID, "автор неизменяем")
	require.NotNil(t, got[1].EditedTimestamp)

	// Неизвестный id — страница ещё не загружена, no-op.
	tl.OnMessageUpdated(msg(99, alice))
	assert.Len(t, tl.Messages("ch-1"), 2)
}

func TestOnMessageDeleted(t *testing.T) {
	tl := New(&fakeHistory{total: 3}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)

	tl.OnMessageDeleted("ch-1", "2")
	got := tl.Messages("ch-1")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestReset_DropsStalePage(t *testing.T) {
	blocked := make(chan struct{})
	f := &blockingHistory{unblock: blocked, start: make(chan struct{})}
	tl := New(f, 50)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := tl.LoadOlder(context.Background(), "ch-1")
		assert.NoError(t, err)
	}()

	<-f.start
	tl.Reset("ch-1") // переключили канал, пока страница в полёте
	close(blocked)
	<-done

	assert.Empty(t, tl.Messages("ch-1"), "страница устаревшего поколения выброшена")
}

type blockingHistory struct {
	unblock <-chan struct{}
	start   chan struct{}
	once    sync.Once
}

func (b *blockingHistory) Messages(_ context.Context, _ string, _ *string, _ int) ([]model.Message, error) {
	b.once.Do(func() { close(b.start) })
	<-b.unblock
	return []model.Message{msg(1, bob)}, nil
}

func TestGroup_ByDateAndAuthorRuns(t *testing.T) {
	day1 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)

	mk := func(id string, author model.User, ts time.Time, typ model.MessageType) model.Message {
		return model.Message{ID: id, ChannelID: "ch-1", Author: author, Timestamp: ts, Type: typ}
	}
	msgs := []model.Message{
		mk("1", alice, day1, model.MessageTypeDefault),
		mk("2", alice, day1.Add(time.Minute), model.MessageTypeDefault),
		mk("3", bob, day1.Add(2*time.Minute), model.MessageTypeDefault),
		mk("4", bob, day1.Add(3*time.Minute), model.MessageTypeMemberAdd),
		mk("5", bob, day1.Add(4*time.Minute), model.MessageTypeDefault),
		mk("6", bob, day2, model.MessageTypeDefault),
	}

	days := Group(msgs)
	require.Len(t, days, 2)

	runs := days[0].Runs
	require.Len(t, runs, 4)
	assert.Len(t, runs[0].Messages, 2, "подряд идущие сообщения одного автора сливаются")
	assert.Equal(t, alice.ID, runs[0].Author.ID)
	assert.False(t, runs[0].Meta)
	assert.True(t, runs[2].Meta, "meta-сообщение образует собственную серию")
	assert.Len(t, runs[2].Messages, 1)
	assert.False(t, runs[3].Meta, "серия после meta не сливается с предыдущей")

	require.Len(t, days[1].Runs, 1)
}
