package model

import "time"

// TokenPair — пара токенов сессии. Заменяется целиком при login/refresh,
// очищается при logout или невосстановимой ошибке авторизации.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

func (t TokenPair) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// ExpiredWithin — истекает ли access-токен в ближайшие skew секунд
// (используется для упреждающего refresh перед запросом).
func (t TokenPair) ExpiredWithin(skew time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	return time.Now().Add(skew).After(t.ExpiresAt())
}
