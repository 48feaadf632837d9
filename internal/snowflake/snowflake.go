// Package snowflake сравнивает числовые строковые идентификаторы сообщений.
// Идентификаторы монотонно растут и превышают 2^53, поэтому сравнение
// выполняется как big integer, а не как float64 и не лексикографически.
package snowflake

import "math/big"

// parse возвращает значение id; нераспознаваемая строка считается нулём
// (старее любого настоящего id), чтобы мусорный ввод не ломал порядок.
func parse(id string) *big.Int {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// Compare возвращает -1, 0 или 1, как bytes.Compare.
func Compare(a, b string) int {
	return parse(a).Cmp(parse(b))
}

// IsNewer сообщает, представляет ли a более позднее событие, чем b.
// nil трактуется как "самый старый": любой конкретный id новее nil,
// nil против nil — не новее.
func IsNewer(a, b *string) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return Compare(*a, *b) > 0
}

// Max возвращает больший из двух nullable id. nil только если оба nil.
func Max(a, b *string) *string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if Compare(*a, *b) >= 0 {
		return a
	}
	return b
}
