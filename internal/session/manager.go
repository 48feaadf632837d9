package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// Manager держит текущее состояние сессии в памяти и синхронизирует его
// с хранилищем. Единственный владелец токенов в процессе: остальные
// компоненты получают ссылку на Manager, а не глобальную переменную.
type Manager struct {
	mu    sync.RWMutex
	store Store
	state *State
}

// NewManager создаёт менеджер и подтягивает сохранённую сессию, если есть.
func NewManager(store Store) (*Manager, error) {
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, state: st}, nil
}

// Authenticated — есть ли активная сессия.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != nil && m.state.Tokens.AccessToken != ""
}

// Tokens возвращает текущую пару токенов.
func (m *Manager) Tokens() (model.TokenPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return model.TokenPair{}, false
	}
	return m.state.Tokens, true
}

// UserID возвращает id текущего пользователя (пустая строка без сессии).
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return ""
	}
	return m.state.UserID
}

// Replace атомарно заменяет всю сессию (login).
func (m *Manager) Replace(tokens model.TokenPair, userID string) error {
	if tokens.IssuedAt.IsZero() {
		tokens.IssuedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &State{Tokens: tokens, UserID: userID}
	if err := m.store.Save(st); err != nil {
		return err
	}
	m.state = st
	return nil
}

// ReplaceTokens заменяет пару токенов, сохраняя id пользователя (refresh).
func (m *Manager) ReplaceTokens(tokens model.TokenPair) error {
	if tokens.IssuedAt.IsZero() {
		tokens.IssuedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	userID := ""
	if m.state != nil {
		userID = m.state.UserID
	}
	st := &State{Tokens: tokens, UserID: userID}
	if err := m.store.Save(st); err != nil {
		return err
	}
	m.state = st
	return nil
}

// Clear удаляет сессию (logout или невосстановимая ошибка авторизации).
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return m.store.Clear()
}

// AccessExpiredWithin — истекает ли access-токен в ближайшие skew.
// Если токен — JWT, срок берётся из claim exp (без проверки подписи:
// клиент не владеет ключом, нам нужен только срок). Иначе — из expires_in.
func (m *Manager) AccessExpiredWithin(skew time.Duration) bool {
	tokens, ok := m.Tokens()
	if !ok {
		return true
	}
	if exp, ok := jwtExpiry(tokens.AccessToken); ok {
		return time.Now().Add(skew).After(exp)
	}
	return tokens.ExpiredWithin(skew)
}

func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		logger.Debugf("session: токен без claim exp")
		return time.Time{}, false
	}
	return exp.Time, true
}
