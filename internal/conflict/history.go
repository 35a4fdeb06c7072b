package conflict

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultHistorySize = 256

// History keeps the most recent resolution results keyed by conflict id.
type History struct {
	cache *lru.Cache[string, *Result]
}

func NewHistory(size int) (*History, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	cache, err := lru.New[string, *Result](size)
	if err != nil {
		return nil, err
	}
	return &History{cache: cache}, nil
}

func (h *History) Record(r *Result) {
	h.cache.Add(r.ConflictID, r)
}

func (h *History) Get(conflictID string) (*Result, bool) {
	return h.cache.Get(conflictID)
}

// Recent returns up to n results, newest first. n <= 0 returns all of them.
func (h *History) Recent(n int) []*Result {
	values := h.cache.Values()
	if n <= 0 || n > len(values) {
		n = len(values)
	}
	out := make([]*Result, 0, n)
	for i := len(values) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, values[i])
	}
	return out
}

func (h *History) Len() int {
	return h.cache.Len()
}
