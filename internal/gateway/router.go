package gateway

import (
	"context"

	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/timeline"
)

// Router раскладывает события гейтвея по локальным таблицам. Диспетчер —
// единственная точка, где событие применяется, поэтому каждое событие
// применяется ровно один раз и в порядке прихода.
type Router struct {
	channels      *cache.ChannelCache
	messages      *timeline.Timeline
	currentUserID string

	// refetch перечитывает список каналов целиком; нужен, когда текущего
	// пользователя добавили в канал, которого у него ещё нет.
	refetch func(ctx context.Context) error
}

func NewRouter(channels *cache.ChannelCache, messages *timeline.Timeline, currentUserID string, refetch func(ctx context.Context) error) *Router {
	return &Router{
		channels:      channels,
		messages:      messages,
		currentUserID: currentUserID,
		refetch:       refetch,
	}
}

// Run применяет события из ch до его закрытия.
func (r *Router) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch применяет одно событие. switch исчерпывающий по вариантам Event.
func (r *Router) Dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case MessageCreate:
		r.messages.OnMessageCreated(e.Message)
		r.channels.OnNewLastMessage(e.Message, false)
	case MessageUpdate:
		r.messages.OnMessageUpdated(e.Message)
		r.channels.OnNewLastMessage(e.Message, false)
	case MessageDelete:
		r.messages.OnMessageDeleted(e.ChannelID, e.MessageID)
		r.channels.OnMessageDeleted(e.ChannelID, e.MessageID, e.LastMessage)
	case MessageAck:
		r.channels.OnMessageAck(e.ChannelID, e.MemberID, e.MessageID, r.currentUserID)
	case ChannelCreate:
		r.channels.OnNewChannel(e.Channel)
	case ChannelUpdate:
		r.channels.OnChannelUpdated(e.Channel)
	case ChannelMemberAdd:
		isSelf := e.User.ID == r.currentUserID
		r.channels.OnMemberAdded(e.ChannelID, e.User, isSelf)
		if isSelf && r.refetch != nil {
			if err := r.refetch(ctx); err != nil {
				logger.Errorf("gateway: refetch каналов после добавления: %v", err)
			}
		}
	case ChannelMemberRemove:
		r.channels.OnMemberRemoved(e.ChannelID, e.User.ID, e.User.ID == r.currentUserID)
	default:
		logger.Errorf("gateway: событие без обработчика: %T", ev)
	}
}
