package cedar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/badgerdb"
	"github.com/iidesho/cedar/stream/store/inmemory"
	"github.com/iidesho/cedar/stream/store/ondisk"
	"github.com/iidesho/cedar/stream/subscription"
)

var backends = map[string]func(t *testing.T) store.Backend{
	"inmemory": func(t *testing.T) store.Backend {
		b, err := inmemory.New()
		if err != nil {
			t.Fatal(err)
		}
		return b
	},
	"badger": func(t *testing.T) store.Backend {
		b, err := badgerdb.Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return b
	},
	"ondisk": func(t *testing.T) store.Backend {
		b, err := ondisk.Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return b
	},
}

// forEachBackend runs fn once per backend with a fresh store.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := New(open(t))
			defer func() {
				err := s.Close()
				if err != nil {
					t.Error(err)
				}
			}()
			fn(t, s)
		})
	}
}

func msg(t *testing.T) stream.NewMessage {
	t.Helper()
	m, err := stream.NewBuilder().
		WithType("order_placed").
		WithJSONData(map[string]string{"sku": "A-1"}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func msgs(t *testing.T, n int) []stream.NewMessage {
	t.Helper()
	out := make([]stream.NewMessage, n)
	for i := range out {
		out[i] = msg(t)
	}
	return out
}

func ids(p stream.Page) []uuid.UUID {
	out := make([]uuid.UUID, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = m.ID
	}
	return out
}

func read(t *testing.T, s *Store, id stream.ID) stream.Page {
	t.Helper()
	p, err := s.ReadStreamForwards(context.Background(), id, stream.Start, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustAppend(t *testing.T, s *Store, id stream.ID, ev stream.ExpectedVersion, m ...stream.NewMessage) stream.AppendResult {
	t.Helper()
	res, err := s.Append(context.Background(), id, ev, m...)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func expectConflict(t *testing.T, s *Store, id stream.ID, ev stream.ExpectedVersion, m ...stream.NewMessage) {
	t.Helper()
	_, err := s.Append(context.Background(), id, ev, m...)
	if !errors.Is(err, stream.ErrWrongExpectedVersion) {
		t.Fatalf("expected wrong expected version for %s, got %v", ev, err)
	}
	var wev *stream.WrongExpectedVersionError
	if !errors.As(err, &wev) || wev.StreamID != id || wev.Expected != ev {
		t.Fatalf("conflict does not name stream and expectation: %v", err)
	}
}

func TestContiguousVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s, "orders", stream.NoStream, msgs(t, 2)...)
		res := mustAppend(t, s, "orders", stream.Exact(1), msgs(t, 3)...)
		mustAppend(t, s, "orders", stream.Any, msgs(t, 1)...)
		if res.CurrentVersion != 4 {
			t.Fatalf("current version %d", res.CurrentVersion)
		}
		p := read(t, s, "orders")
		if len(p.Messages) != 6 {
			t.Fatalf("read %d", len(p.Messages))
		}
		var last stream.Position = stream.NoPosition
		for i, m := range p.Messages {
			if m.Version != stream.Version(i) {
				t.Fatalf("message %d has version %d", i, m.Version)
			}
			if m.Position <= last {
				t.Fatalf("position %d not after %d", m.Position, last)
			}
			last = m.Position
		}
	})
}

func TestNoStreamReplayIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		batch := msgs(t, 3)
		first := mustAppend(t, s, "orders", stream.NoStream, batch...)
		gen := s.signal.Generation()
		second := mustAppend(t, s, "orders", stream.NoStream, batch...)
		if first != second {
			t.Fatalf("replay returned %+v, first %+v", second, first)
		}
		if s.signal.Generation() != gen {
			t.Fatal("replay notified subscribers")
		}
		// A prefix of the first batch is a replay as well.
		mustAppend(t, s, "orders", stream.NoStream, batch[:2]...)
		if p := read(t, s, "orders"); len(p.Messages) != 3 {
			t.Fatalf("stream has %d messages after replay", len(p.Messages))
		}
	})
}

func TestReorderedReplayConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		batch := msgs(t, 3)
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		expectConflict(t, s, "orders", stream.NoStream, batch[1], batch[0])
		expectConflict(t, s, "orders", stream.NoStream, msg(t))
		expectConflict(t, s, "orders", stream.NoStream, append(batch, msg(t))...)
	})
}

func TestAnyReplay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		a, b := msg(t), msg(t)
		mustAppend(t, s, "orders", stream.Any, a)
		mustAppend(t, s, "orders", stream.Any, a)
		res := mustAppend(t, s, "orders", stream.Any, b)
		if res.CurrentVersion != 1 {
			t.Fatalf("current version %d", res.CurrentVersion)
		}
		got := ids(read(t, s, "orders"))
		if len(got) != 2 || got[0] != a.ID || got[1] != b.ID {
			t.Fatalf("stream holds %v", got)
		}
		// Anchored at the first id, a contiguous run is a replay.
		mustAppend(t, s, "orders", stream.Any, a, b)
		mustAppend(t, s, "orders", stream.Any, b)
		expectConflict(t, s, "orders", stream.Any, b, a)
		expectConflict(t, s, "orders", stream.Any, b, msg(t))
		expectConflict(t, s, "orders", stream.Any, msg(t), a)
	})
}

func TestExactVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		expectConflict(t, s, "orders", stream.Exact(0), msg(t))
		first := msgs(t, 2)
		mustAppend(t, s, "orders", stream.NoStream, first...)
		second := msgs(t, 2)
		res := mustAppend(t, s, "orders", stream.Exact(1), second...)
		if res.CurrentVersion != 3 {
			t.Fatalf("current version %d", res.CurrentVersion)
		}
		replayed := mustAppend(t, s, "orders", stream.Exact(1), second...)
		if replayed != res {
			t.Fatalf("replay returned %+v", replayed)
		}
		mustAppend(t, s, "orders", stream.Exact(0), first[1])
		expectConflict(t, s, "orders", stream.Exact(1), msg(t))
		expectConflict(t, s, "orders", stream.Exact(7), msg(t))
		expectConflict(t, s, "orders", stream.Exact(3), first[0])

		tail := mustAppend(t, s, "orders", stream.Exact(9))
		if tail != res {
			t.Fatalf("empty exact append returned %+v", tail)
		}
	})
}

func TestEmptyStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		expectConflict(t, s, "orders", stream.EmptyStream, msg(t))
		res := mustAppend(t, s, "orders", stream.EmptyStream)
		if res.CurrentVersion != stream.End || res.CurrentPosition != stream.NoPosition {
			t.Fatalf("empty append to missing stream %+v", res)
		}
		if p := read(t, s, "orders"); p.Status != stream.StreamNotFound {
			t.Fatal("empty stream append created the stream")
		}

		gen := s.signal.Generation()
		mustAppend(t, s, "orders", stream.NoStream)
		if s.signal.Generation() == gen {
			t.Fatal("creating a stream did not notify")
		}
		if p := read(t, s, "orders"); p.Status != stream.Success || p.LastVersion != stream.End {
			t.Fatalf("created stream %+v", p)
		}
		batch := msgs(t, 2)
		res = mustAppend(t, s, "orders", stream.EmptyStream, batch...)
		if res.CurrentVersion != 1 {
			t.Fatalf("append to empty stream %+v", res)
		}
		mustAppend(t, s, "orders", stream.EmptyStream, batch...)
		expectConflict(t, s, "orders", stream.EmptyStream, msg(t))

		for _, m := range batch {
			err := s.DeleteMessage(context.Background(), "orders", m.ID)
			if err != nil {
				t.Fatal(err)
			}
		}
		res = mustAppend(t, s, "orders", stream.EmptyStream, msg(t))
		if res.CurrentVersion != 2 {
			t.Fatalf("append after deleting every message %+v", res)
		}
	})
}

func TestEmptyAppendCreatesStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		for _, ev := range []stream.ExpectedVersion{stream.NoStream, stream.Any} {
			id := stream.ID("created-" + ev.String())
			res := mustAppend(t, s, id, ev)
			if res.CurrentVersion != stream.End {
				t.Fatalf("%s: %+v", ev, res)
			}
			p := read(t, s, id)
			if p.Status != stream.Success || len(p.Messages) != 0 {
				t.Fatalf("%s: page %+v", ev, p)
			}
		}
	})
}

func TestValidation(t *testing.T) {
	s := New(backends["inmemory"](t))
	defer s.Close()
	ctx := context.Background()
	tests := []struct {
		name string
		id   stream.ID
		ev   stream.ExpectedVersion
		msgs []stream.NewMessage
		want error
	}{
		{"empty id", "", stream.Any, msgs(t, 1), stream.ErrInvalidStreamID},
		{"space in id", "a b", stream.Any, msgs(t, 1), stream.ErrInvalidStreamID},
		{"long id", stream.ID(strings.Repeat("x", 1<<16)), stream.Any, msgs(t, 1), stream.ErrInvalidStreamID},
		{"reserved", stream.DeletedStreamID, stream.Any, msgs(t, 1), stream.ErrReservedStream},
		{"double dollar", "$$orders", stream.Any, msgs(t, 1), stream.ErrReservedStream},
		{"expected version", "orders", stream.ExpectedVersion(-4), msgs(t, 1), stream.ErrInvalidExpectedVersion},
		{"missing type", "orders", stream.Any, []stream.NewMessage{{ID: uuid.Must(uuid.NewV7()), Data: []byte("{}")}}, stream.ErrInvalidMessage},
		{"nil id", "orders", stream.Any, []stream.NewMessage{{Type: "t", Data: []byte("{}")}}, stream.ErrInvalidMessage},
	}
	dup := msg(t)
	tests = append(tests, struct {
		name string
		id   stream.ID
		ev   stream.ExpectedVersion
		msgs []stream.NewMessage
		want error
	}{"duplicate ids", "orders", stream.Any, []stream.NewMessage{dup, dup}, stream.ErrInvalidMessage})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.id, tt.ev, tt.msgs...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if p := read(t, s, "orders"); p.Status != stream.StreamNotFound {
		t.Fatal("rejected append touched the backend")
	}
	_, err := s.ReadStreamForwards(ctx, "orders", stream.Start, 0, true)
	if !errors.Is(err, stream.ErrInvalidMaxCount) {
		t.Fatalf("read with max 0 returned %v", err)
	}
	_, err = s.ReadAllBackwards(ctx, stream.HeadPosition, -1, true)
	if !errors.Is(err, stream.ErrInvalidMaxCount) {
		t.Fatalf("read all with max -1 returned %v", err)
	}
	err = s.DeleteStream(ctx, "orders", stream.NoStream)
	if !errors.Is(err, stream.ErrInvalidExpectedVersion) {
		t.Fatalf("delete with no stream returned %v", err)
	}
}

func readDeleted(t *testing.T, s *Store) []stream.Message {
	t.Helper()
	p := read(t, s, stream.DeletedStreamID)
	return p.Messages
}

func TestDeleteMessage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		batch := msgs(t, 3)
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		err := s.DeleteMessage(ctx, "orders", batch[1].ID)
		if err != nil {
			t.Fatal(err)
		}
		p := read(t, s, "orders")
		if len(p.Messages) != 2 || p.Messages[0].Version != 0 || p.Messages[1].Version != 2 {
			t.Fatalf("page after delete %+v", p)
		}
		if p.LastVersion != 2 {
			t.Fatalf("last version %d", p.LastVersion)
		}
		tombs := readDeleted(t, s)
		if len(tombs) != 1 || tombs[0].Type != stream.MessageDeletedType {
			t.Fatalf("tombstones %v", tombs)
		}
		d, err := stream.ParseMessageDeleted(tombs[0].Data)
		if err != nil {
			t.Fatal(err)
		}
		if d.StreamID != "orders" || d.MessageID != batch[1].ID {
			t.Fatalf("tombstone %+v", d)
		}

		// The id stays known, replays and conflicts still see it.
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		mustAppend(t, s, "orders", stream.Any, batch[1])
		expectConflict(t, s, "orders", stream.NoStream, batch[1])
		if p := read(t, s, "orders"); len(p.Messages) != 2 {
			t.Fatal("replay brought a deleted message back")
		}

		res := mustAppend(t, s, "orders", stream.Exact(2), msg(t))
		if res.CurrentVersion != 3 {
			t.Fatalf("append after delete %+v", res)
		}
	})
}

func TestDeleteUnknownMessageIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		batch := msgs(t, 2)
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		err := s.DeleteMessage(ctx, "orders", batch[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		head, err := s.HeadPosition(ctx)
		if err != nil {
			t.Fatal(err)
		}
		gen := s.signal.Generation()
		for _, del := range []struct {
			id  stream.ID
			mid uuid.UUID
		}{
			{"orders", uuid.Must(uuid.NewV7())},
			{"orders", batch[0].ID},
			{"missing", batch[1].ID},
		} {
			err = s.DeleteMessage(ctx, del.id, del.mid)
			if err != nil {
				t.Fatal(err)
			}
		}
		after, err := s.HeadPosition(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if after != head || s.signal.Generation() != gen {
			t.Fatalf("noop delete moved head %d -> %d or notified", head, after)
		}
		if n := len(readDeleted(t, s)); n != 1 {
			t.Fatalf("%d tombstones", n)
		}
		if n := len(read(t, s, "orders").Messages); n != 1 {
			t.Fatalf("%d visible messages", n)
		}
	})
}

func TestDeleteStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		batch := msgs(t, 3)
		first := mustAppend(t, s, "orders", stream.NoStream, batch...)
		err := s.DeleteMessage(ctx, "orders", batch[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		err = s.DeleteStream(ctx, "orders", stream.Exact(1))
		if !errors.Is(err, stream.ErrWrongExpectedVersion) {
			t.Fatalf("delete with stale version returned %v", err)
		}
		err = s.DeleteStream(ctx, "orders", stream.Exact(2))
		if err != nil {
			t.Fatal(err)
		}
		if p := read(t, s, "orders"); p.Status != stream.StreamNotFound {
			t.Fatalf("deleted stream page %+v", p)
		}
		tombs := readDeleted(t, s)
		if len(tombs) != 4 {
			t.Fatalf("%d tombstones", len(tombs))
		}
		for i, m := range tombs[1:3] {
			d, err := stream.ParseMessageDeleted(m.Data)
			if err != nil {
				t.Fatal(err)
			}
			if d.MessageID != batch[i+1].ID {
				t.Fatalf("tombstone %d is for %s", i, d.MessageID)
			}
		}
		if tombs[3].Type != stream.StreamDeletedType {
			t.Fatalf("last tombstone type %s", tombs[3].Type)
		}
		sd, err := stream.ParseStreamDeleted(tombs[3].Data)
		if err != nil || sd.StreamID != "orders" {
			t.Fatalf("stream tombstone %+v %v", sd, err)
		}

		err = s.DeleteStream(ctx, "orders", stream.Any)
		if err != nil {
			t.Fatal(err)
		}
		err = s.DeleteStream(ctx, "orders", stream.Exact(0))
		if !errors.Is(err, stream.ErrWrongExpectedVersion) {
			t.Fatalf("exact delete of missing stream returned %v", err)
		}
		if n := len(readDeleted(t, s)); n != 4 {
			t.Fatalf("noop delete wrote tombstones, %d now", n)
		}

		res := mustAppend(t, s, "orders", stream.NoStream, batch...)
		if res.CurrentVersion != 2 || res.CurrentPosition <= first.CurrentPosition {
			t.Fatalf("recreated stream %+v", res)
		}
		if err := s.DeleteStream(ctx, "orders", stream.Any); err != nil {
			t.Fatal(err)
		}
		if n := len(readDeleted(t, s)); n != 8 {
			t.Fatalf("%d tombstones after second purge", n)
		}
	})
}

func TestReadAllAcrossStreams(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := mustAppend(t, s, "a", stream.Any, msg(t))
		b := mustAppend(t, s, "b", stream.Any, msg(t))
		p, err := s.ReadAllForwards(ctx, 0, 10, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Messages) != 2 || p.Messages[0].Position != a.CurrentPosition || p.Messages[1].Position != b.CurrentPosition {
			t.Fatalf("all page %+v", p)
		}
		back, err := s.ReadAllBackwards(ctx, stream.HeadPosition, 1, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(back.Messages) != 1 || back.Messages[0].StreamID != "b" {
			t.Fatalf("backwards all page %+v", back)
		}
		head, err := s.HeadPosition(ctx)
		if err != nil || head != b.CurrentPosition {
			t.Fatalf("head %d %v", head, err)
		}
	})
}

// TestConcurrentOptimisticWriters retries on conflict with the tail each
// writer last read, the stream must end up contiguous with every message once.
func TestConcurrentOptimisticWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		const writers = 6
		const perWriter = 5
		wg := sync.WaitGroup{}
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWriter {
					m := msg(t)
					for {
						p, err := s.ReadStreamBackwards(ctx, "contended", stream.End, 1, false)
						if err != nil {
							t.Error(err)
							return
						}
						ev := stream.NoStream
						if p.Status == stream.Success {
							ev = stream.Exact(p.LastVersion)
							if p.LastVersion == stream.End {
								ev = stream.EmptyStream
							}
						}
						_, err = s.Append(ctx, "contended", ev, m)
						if errors.Is(err, stream.ErrWrongExpectedVersion) {
							continue
						}
						if err != nil {
							t.Error(err)
						}
						break
					}
				}
			}()
		}
		wg.Wait()
		p := read(t, s, "contended")
		if len(p.Messages) != writers*perWriter {
			t.Fatalf("%d messages", len(p.Messages))
		}
		seen := map[uuid.UUID]bool{}
		for i, m := range p.Messages {
			if m.Version != stream.Version(i) || seen[m.ID] {
				t.Fatalf("message %d is %s", i, m)
			}
			seen[m.ID] = true
		}
	})
}

func TestSubscriptionCatchUp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		batch := msgs(t, 3)
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		events := make(chan string, 20)
		sub, err := s.SubscribeToStream(context.Background(), "orders", subscription.FromStart(),
			func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error {
				events <- fmt.Sprintf("message %d", m.Version)
				return nil
			},
			subscription.OnCaughtUp(func() { events <- "caught up" }),
		)
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Dispose()
		want := []string{"message 0", "message 1", "message 2", "caught up"}
		for _, w := range want {
			select {
			case got := <-events:
				if got != w {
					t.Fatalf("got %q, want %q", got, w)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %q", w)
			}
		}
		mustAppend(t, s, "orders", stream.Exact(2), msg(t))
		select {
		case got := <-events:
			if got != "message 3" {
				t.Fatalf("got %q after append", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("live message was not delivered")
		}
	})
}

func TestSubscribeToDeletedStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		got := make(chan stream.Message, 10)
		sub, err := s.SubscribeToStream(context.Background(), stream.DeletedStreamID, subscription.FromEnd(),
			func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error {
				got <- m
				return nil
			})
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Dispose()
		<-sub.Started()
		batch := msgs(t, 1)
		mustAppend(t, s, "orders", stream.NoStream, batch...)
		err = s.DeleteMessage(context.Background(), "orders", batch[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		select {
		case m := <-got:
			if m.Type != stream.MessageDeletedType {
				t.Fatalf("delivered %s", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("tombstone was not delivered")
		}
	})
}

func TestCloseDisposesSubscriptions(t *testing.T) {
	s := New(backends["inmemory"](t))
	reasons := make(chan subscription.DropReason, 4)
	for _, id := range []stream.ID{"a", "b"} {
		_, err := s.SubscribeToStream(context.Background(), id, subscription.FromStart(),
			func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error { return nil },
			subscription.OnDropped(func(_ *subscription.Subscription, r subscription.DropReason, _ error) {
				reasons <- r
			}),
		)
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.SubscribeToAll(context.Background(), subscription.FromStart(),
		func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error { return nil },
		subscription.OnDropped(func(_ *subscription.Subscription, r subscription.DropReason, _ error) {
			reasons <- r
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		select {
		case r := <-reasons:
			if r != subscription.ReasonDisposed {
				t.Fatalf("dropped with %s", r)
			}
		default:
			t.Fatal("Close returned before every subscription dropped")
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close returned %v", err)
	}
	_, err = s.Append(context.Background(), "a", stream.Any, msg(t))
	if !errors.Is(err, stream.ErrStoreClosed) {
		t.Fatalf("append after close returned %v", err)
	}
	_, err = s.SubscribeToAll(context.Background(), subscription.FromStart(),
		func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error { return nil })
	if !errors.Is(err, stream.ErrStoreClosed) {
		t.Fatalf("subscribe after close returned %v", err)
	}
}

func TestSubscriptionLeavesRegistry(t *testing.T) {
	s := New(backends["inmemory"](t))
	defer s.Close()
	sub, err := s.SubscribeToStream(context.Background(), "orders", subscription.FromStart(),
		func(ctx context.Context, _ *subscription.Subscription, m stream.Message) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if s.Subscriptions() != 1 {
		t.Fatalf("%d subscriptions", s.Subscriptions())
	}
	sub.Dispose()
	<-sub.Done()
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscriptions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("disposed subscription stayed registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCanceledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Append(ctx, "orders", stream.Any, msg(t))
		if !errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrWrongExpectedVersion) {
			t.Fatalf("append returned %v", err)
		}
	})
}
