package devserver

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

// firstID — первый выдаваемый id сообщений и каналов. Лежит за пределами
// точного диапазона float64, чтобы клиенты, сравнивающие id как числа
// с плавающей точкой, ломались сразу, а не в проде через полгода.
const firstID = "9007199254740993"

type idGen struct {
	mu   sync.Mutex
	next *big.Int
}

func newIDGen() *idGen {
	n, _ := new(big.Int).SetString(firstID, 10)
	return &idGen{next: n}
}

// Next возвращает строго возрастающие десятичные id.
func (g *idGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next.String()
	g.next.Add(g.next, big.NewInt(1))
	return id
}

type account struct {
	model.User
	email    string
	password string
}

type channelState struct {
	id       string
	kind     model.ChannelKind
	name     string
	imageURL string
	members  []string
	// reads — watermark прочтения каждого участника.
	reads map[string]string
}

type uploadSlot struct {
	token       string
	channelID   string
	filename    string
	contentType string
	size        int64
	data        []byte
	uploaded    bool
}

// store — всё состояние dev-сервера в памяти под одним мьютексом.
// Нагрузки на dev-сервере нет, простота важнее гранулярности блокировок.
type store struct {
	mu       sync.Mutex
	ids      *idGen
	users    map[string]*account
	byLogin  map[string]string
	channels map[string]*channelState
	messages map[string][]model.Message
	uploads  map[string]*uploadSlot
	refresh  map[string]string
}

func newStore() *store {
	return &store{
		ids:      newIDGen(),
		users:    make(map[string]*account),
		byLogin:  make(map[string]string),
		channels: make(map[string]*channelState),
		messages: make(map[string][]model.Message),
		uploads:  make(map[string]*uploadSlot),
		refresh:  make(map[string]string),
	}
}

func (s *store) createUser(username, email, password string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byLogin[username]; taken {
		return model.User{}, false
	}
	if _, taken := s.byLogin[email]; taken {
		return model.User{}, false
	}
	u := &account{
		User:     model.User{ID: "u-" + uuid.New().String(), Username: username},
		email:    email,
		password: password,
	}
	s.users[u.ID] = u
	s.byLogin[username] = u.ID
	s.byLogin[email] = u.ID
	return u.User, true
}

// authenticate принимает username или email.
func (s *store) authenticate(login, password string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byLogin[login]
	if !ok {
		return model.User{}, false
	}
	u := s.users[id]
	if u.password != password {
		return model.User{}, false
	}
	return u.User, true
}

func (s *store) user(id string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, false
	}
	return u.User, true
}

func (s *store) updateUser(id string, globalName, avatarURL *string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, false
	}
	if globalName != nil {
		u.GlobalName = *globalName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	return u.User, true
}

func (s *store) issueRefresh(userID string) string {
	token := uuid.New().String()
	s.mu.Lock()
	s.refresh[token] = userID
	s.mu.Unlock()
	return token
}

// consumeRefresh одноразово обменивает refresh-токен на id пользователя.
func (s *store) consumeRefresh(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[token]
	if ok {
		delete(s.refresh, token)
	}
	return userID, ok
}

func (s *store) createChannel(kind model.ChannelKind, name string, memberIDs []string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &channelState{
		id:      s.ids.Next(),
		kind:    kind,
		name:    name,
		members: append([]string(nil), memberIDs...),
		reads:   make(map[string]string),
	}
	s.channels[ch.id] = ch
	return ch
}

func (s *store) channel(id string) (*channelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *store) updateChannel(id string, name, imageURL *string) (*channelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, false
	}
	if name != nil {
		ch.name = *name
	}
	if imageURL != nil {
		ch.imageURL = *imageURL
	}
	return ch, true
}

func (s *store) isMember(channelID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return false
	}
	return contains(ch.members, userID)
}

func (s *store) memberIDs(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return append([]string(nil), ch.members...)
}

func (s *store) addMember(channelID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok || contains(ch.members, userID) {
		return false
	}
	ch.members = append(ch.members, userID)
	return true
}

func (s *store) removeMember(channelID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return false
	}
	for i, m := range ch.members {
		if m == userID {
			ch.members = append(ch.members[:i], ch.members[i+1:]...)
			delete(ch.reads, userID)
			return true
		}
	}
	return false
}

func (s *store) appendMessage(channelID string, build func(id string, ts time.Time) model.Message) model.Message {
	m := build(s.ids.Next(), time.Now().UTC())
	s.mu.Lock()
	s.messages[channelID] = append(s.messages[channelID], m)
	s.mu.Unlock()
	return m
}

// page возвращает до limit сообщений старше before, от новых к старым.
func (s *store) page(channelID string, before *string, limit int) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[channelID]
	var out []model.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		m := all[i]
		if before != nil && !snowflake.IsNewer(before, &m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *store) message(channelID, messageID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[channelID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return model.Message{}, false
}

func (s *store) updateMessage(channelID, messageID, content string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			now := time.Now().UTC()
			msgs[i].Content = content
			msgs[i].EditedTimestamp = &now
			return msgs[i], true
		}
	}
	return model.Message{}, false
}

// deleteMessage удаляет сообщение и возвращает новое превью канала
// (nil — сообщений не осталось).
func (s *store) deleteMessage(channelID, messageID string) (*model.MessagePreview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.messages[channelID] = append(msgs[:i], msgs[i+1:]...)
			rest := s.messages[channelID]
			if len(rest) == 0 {
				return nil, true
			}
			return model.PreviewOf(rest[len(rest)-1]), true
		}
	}
	return nil, false
}

// ack двигает watermark участника вперёд; назад не двигается.
func (s *store) ack(channelID, userID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok || !contains(ch.members, userID) {
		return false
	}
	cur, has := ch.reads[userID]
	if has && !snowflake.IsNewer(&messageID, &cur) {
		return true
	}
	ch.reads[userID] = messageID
	return true
}

func (s *store) createUpload(channelID, filename, contentType string, size int64) *uploadSlot {
	token := uuid.New().String()
	slot := &uploadSlot{
		token:       token,
		channelID:   channelID,
		// Серверное имя уникально: два файла с одинаковым локальным именем
		// в одном канале не должны склеиться при create-message.
		filename:    token[:8] + "_" + filename,
		contentType: contentType,
		size:        size,
	}
	s.mu.Lock()
	s.uploads[slot.token] = slot
	s.mu.Unlock()
	return slot
}

func (s *store) putUpload(token string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.uploads[token]
	if !ok {
		return false
	}
	slot.data = append([]byte(nil), data...)
	slot.uploaded = true
	return true
}

func (s *store) deleteUpload(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[token]; !ok {
		return false
	}
	delete(s.uploads, token)
	return true
}

// takeUpload забирает загруженный слот для прикрепления к сообщению.
func (s *store) takeUpload(channelID, filename string) (*uploadSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, slot := range s.uploads {
		if slot.channelID == channelID && slot.filename == filename && slot.uploaded {
			delete(s.uploads, token)
			return slot, true
		}
	}
	return nil, false
}

// channelView собирает model.Channel глазами конкретного пользователя:
// его собственный watermark и максимум среди остальных участников.
func (s *store) channelView(ch *channelState, viewerID string) model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.Channel{
		ID:       ch.id,
		Kind:     ch.kind,
		Name:     ch.name,
		ImageURL: ch.imageURL,
	}
	for _, id := range ch.members {
		if u, ok := s.users[id]; ok {
			out.Members = append(out.Members, u.User)
		}
	}
	if msgs := s.messages[ch.id]; len(msgs) > 0 {
		out.LastMessage = model.PreviewOf(msgs[len(msgs)-1])
	}
	if own, ok := ch.reads[viewerID]; ok {
		id := own
		out.LastReadMessageID = &id
	}
	for memberID, read := range ch.reads {
		if memberID == viewerID {
			continue
		}
		id := read
		out.MaxReadMessageID = snowflake.Max(out.MaxReadMessageID, &id)
	}
	return out
}

// userChannels возвращает каналы пользователя глазами этого пользователя.
func (s *store) userChannels(userID string) []model.Channel {
	s.mu.Lock()
	var member []*channelState
	for _, ch := range s.channels {
		if contains(ch.members, userID) {
			member = append(member, ch)
		}
	}
	s.mu.Unlock()

	out := make([]model.Channel, 0, len(member))
	for _, ch := range member {
		out = append(out, s.channelView(ch, userID))
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
