package session

import (
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// State — всё локально сохраняемое состояние сессии.
// Заменяется целиком при login/refresh, очищается при logout.
type State struct {
	Tokens model.TokenPair `json:"tokens"`
	UserID string          `json:"user_id"`
}

// Store — хранилище состояния сессии.
// Реализации: FileStore (по умолчанию), MemoryStore (тесты, -dev).
type Store interface {
	Load() (*State, error)
	Save(*State) error
	Clear() error
}
