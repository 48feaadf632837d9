// Package readstate — индикаторы прочтения поверх двух watermark'ов
// канала: собственного (непрочитанные) и максимального среди участников
// (галочки на своих сообщениях).
package readstate

import (
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

type Receipt int

const (
	// ReceiptNone — последнее сообщение не наше, галочек нет.
	ReceiptNone Receipt = iota
	// ReceiptDelivered — наше, но ещё никем не прочитано до конца.
	ReceiptDelivered
	// ReceiptSeen — кто-то из участников дочитал до него.
	ReceiptSeen
)

// HasUnread — есть ли в канале непрочитанное: последнее сообщение чужое
// и новее собственного watermark.
func HasUnread(ch model.Channel, currentUserID string) bool {
	lm := ch.LastMessage
	if lm == nil || lm.Author.ID == currentUserID {
		return false
	}
	return snowflake.IsNewer(&lm.ID, ch.LastReadMessageID)
}

// OwnMessageReceipt — статус последнего собственного сообщения в канале.
func OwnMessageReceipt(ch model.Channel, currentUserID string) Receipt {
	lm := ch.LastMessage
	if lm == nil || lm.Author.ID != currentUserID {
		return ReceiptNone
	}
	if ch.MaxReadMessageID != nil && *ch.MaxReadMessageID == lm.ID {
		return ReceiptSeen
	}
	return ReceiptDelivered
}
