package inmemory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/iidesho/cedar/metrics"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := New()
		if err != nil {
			t.Fatal(err)
		}
		return b
	})
}

func TestMetrics(t *testing.T) {
	metrics.Init()
	defer func() { metrics.Registry = nil }()
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// Backends created while b is in use share its collectors.
	var wg sync.WaitGroup
	others := make([]*Backend, 8)
	for i := range others {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			o, err := New()
			if err != nil {
				t.Error(err)
				return
			}
			others[i] = o
		}(i)
		go func() {
			defer wg.Done()
			err := b.Update(context.Background(), "orders", func(tx store.Tx) error {
				_, err := tx.Append(storetest.Messages(1))
				return err
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	for _, o := range others {
		if o == nil || o.metrics != b.metrics {
			t.Fatal("backends do not share metrics")
		}
	}
	_, err = b.ReadStreamForwards(context.Background(), "orders", stream.Start, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	if !found["inmemory_stream_write_count"] || !found["inmemory_stream_read_count"] {
		t.Fatalf("metrics not registered %v", found)
	}
}

func TestClosed(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	err = b.Close()
	if err != nil {
		t.Fatal(err)
	}
	err = b.Update(context.Background(), "orders", func(tx store.Tx) error { return nil })
	if !errors.Is(err, stream.ErrStoreClosed) {
		t.Fatalf("update after close returned %v", err)
	}
	_, err = b.ReadStreamForwards(context.Background(), "orders", stream.Start, 1, true)
	if !errors.Is(err, stream.ErrStoreClosed) {
		t.Fatalf("read after close returned %v", err)
	}
}
