package timeline

import (
	"time"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// Run — непрерывная серия сообщений одного автора. Meta-сообщения
// (системные уведомления) всегда образуют собственную серию.
type Run struct {
	Author   model.User
	Meta     bool
	Messages []model.Message
}

// DayGroup — сообщения одной календарной даты.
type DayGroup struct {
	Date time.Time
	Runs []Run
}

// Group — чистая проекция упорядоченной ленты для отображения: по датам,
// внутри — по сериям одного автора. Пересчитывается на каждое изменение,
// никогда не хранится.
func Group(msgs []model.Message) []DayGroup {
	var days []DayGroup
	for _, m := range msgs {
		day := dateOf(m.Timestamp)
		if len(days) == 0 || !days[len(days)-1].Date.Equal(day) {
			days = append(days, DayGroup{Date: day})
		}
		d := &days[len(days)-1]

		meta := m.Type.IsMeta()
		if len(d.Runs) > 0 {
			last := &d.Runs[len(d.Runs)-1]
			if !meta && !last.Meta && last.Author.ID == m.Author.ID {
				last.Messages = append(last.Messages, m)
				continue
			}
		}
		d.Runs = append(d.Runs, Run{Author: m.Author, Meta: meta, Messages: []model.Message{m}})
	}
	return days
}

func dateOf(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}
