package sync

import (
	"strconv"
	"sync"
	"testing"
)

func TestMap(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("get a %d %v", v, ok)
	}
	cp := m.GetMap()
	cp["b"] = 2
	if _, ok := m.Get("b"); ok {
		t.Fatal("GetMap did not return a copy")
	}
	m.Delete("a")
	if m.Len() != 0 {
		t.Fatal("delete did not remove key")
	}
}

func TestGetOrInitOnce(t *testing.T) {
	m := NewMap[string, *int]()
	created := make(chan bool, 100)
	wg := sync.WaitGroup{}
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew := m.GetOrInit("k", func() *int { v := 0; return &v })
			created <- isNew
		}()
	}
	wg.Wait()
	close(created)
	n := 0
	for isNew := range created {
		if isNew {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("value initialised %d times", n)
	}
}

func BenchmarkMapSetGet(b *testing.B) {
	m := NewMap[string, int]()
	for i := range b.N {
		k := strconv.Itoa(i % 1024)
		m.Set(k, i)
		m.Get(k)
	}
}
