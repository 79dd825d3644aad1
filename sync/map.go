package sync

import (
	"sync"

	"golang.org/x/exp/maps"
)

type Map[K comparable, V any] struct {
	data   map[K]V
	rwLock sync.RWMutex
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

func (s *Map[K, V]) Set(key K, data V) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	s.data[key] = data
}

func (s *Map[K, V]) Get(key K) (data V, ok bool) {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	data, ok = s.data[key]
	return
}

// GetOrInit stores init() under key unless a value is present. It reports
// whether the value was created.
func (s *Map[K, V]) GetOrInit(key K, init func() V) (V, bool) {
	data, ok := s.Get(key)
	if ok {
		return data, false
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	data, ok = s.data[key]
	if !ok {
		data = init()
		s.data[key] = data
	}
	return data, !ok
}

// GetMap returns a copy that is safe to range over.
func (s *Map[K, V]) GetMap() map[K]V {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	return maps.Clone(s.data)
}

func (s *Map[K, V]) Len() int {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	return len(s.data)
}

func (s *Map[K, V]) Delete(key K) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	delete(s.data, key)
}
