package resource

import "sync"

// cursorAll — ключ курсора, когда тип прокси не указан.
const cursorAll = "ALL"

// cursor — позиции round-robin по ключу (тип прокси или "ALL").
//
// Чтение и сдвиг позиции выполняются в одной критической секции.
// При изменении числа кандидатов позиция не перенормируется,
// просто берётся по модулю.
type cursor struct {
	mu  sync.Mutex
	pos map[string]int
}

func newCursor() *cursor {
	return &cursor{pos: make(map[string]int)}
}

// next возвращает индекс в [0, n) и сдвигает курсор.
func (c *cursor) next(key string, n int) int {
	if n <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.pos[key] % n
	c.pos[key] = (i + 1) % n
	return i
}
