package abuse

import "container/list"

// orderedMap is a string-keyed map that remembers insertion order so the
// oldest entries can be evicted when a size ceiling is reached. Updating an
// existing key keeps its original position. Not safe for concurrent use.
type orderedMap[V any] struct {
	index map[string]*list.Element
	order *list.List
}

type orderedEntry[V any] struct {
	key   string
	value V
}

func newOrderedMap[V any]() *orderedMap[V] {
	return &orderedMap[V]{
		index: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (m *orderedMap[V]) get(key string) (V, bool) {
	el, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*orderedEntry[V]).value, true
}

func (m *orderedMap[V]) set(key string, value V) {
	if el, ok := m.index[key]; ok {
		el.Value.(*orderedEntry[V]).value = value
		return
	}
	m.index[key] = m.order.PushBack(&orderedEntry[V]{key: key, value: value})
}

func (m *orderedMap[V]) delete(key string) {
	if el, ok := m.index[key]; ok {
		m.order.Remove(el)
		delete(m.index, key)
	}
}

func (m *orderedMap[V]) len() int {
	return len(m.index)
}

// removeIf deletes every entry for which expired returns true and reports how
// many were removed.
func (m *orderedMap[V]) removeIf(expired func(key string, value V) bool) int {
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*orderedEntry[V])
		if expired(entry.key, entry.value) {
			m.order.Remove(el)
			delete(m.index, entry.key)
			removed++
		}
		el = next
	}
	return removed
}

// evictOldest drops the oldest-inserted entries until at most max remain.
func (m *orderedMap[V]) evictOldest(max int) int {
	if max <= 0 {
		return 0
	}
	evicted := 0
	for m.order.Len() > max {
		el := m.order.Front()
		m.order.Remove(el)
		delete(m.index, el.Value.(*orderedEntry[V]).key)
		evicted++
	}
	return evicted
}
