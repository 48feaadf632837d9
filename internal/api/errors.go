package api

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrUnauthorized — сессии нет или refresh не удался. Вызывающий код
// очищает локальное состояние и уводит пользователя на вход.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error — структурированная ошибка API: {code, message, errors?, metadata?}.
// Ключи errors вида files[<i>] указывают на конкретное вложение в батче.
type Error struct {
	Code     int                 `json:"code"`
	Message  string              `json:"message"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`

	// HTTPStatus — статус ответа; не часть тела.
	HTTPStatus int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (code=%d, status=%d)", e.Message, e.Code, e.HTTPStatus)
}

// Field возвращает список ошибок для поля формы (nil, если поле чистое).
func (e *Error) Field(key string) []string {
	if e.Errors == nil {
		return nil
	}
	return e.Errors[key]
}

var fileKeyRe = regexp.MustCompile(`^files\[(\d+)\]$`)

// FileErrors разбирает ключи files[<i>] в map индекс → сообщения.
func (e *Error) FileErrors() map[int][]string {
	out := make(map[int][]string)
	for key, msgs := range e.Errors {
		m := fileKeyRe.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out[idx] = msgs
	}
	return out
}
