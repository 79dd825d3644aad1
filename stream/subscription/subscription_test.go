package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/notify"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/badgerdb"
	"github.com/iidesho/cedar/stream/store/inmemory"
	"github.com/iidesho/cedar/stream/store/storetest"
)

const wait = 2 * time.Second

type fixture struct {
	b   *inmemory.Backend
	sig *notify.Broadcaster
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	b, err := inmemory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return fixture{
		b:   b,
		sig: notify.New(),
	}
}

func (f fixture) append(t *testing.T, id stream.ID, n int) []stream.NewMessage {
	t.Helper()
	msgs := storetest.Messages(n)
	err := f.b.Update(context.Background(), id, func(tx store.Tx) error {
		_, err := tx.Append(msgs)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	f.sig.Notify()
	return msgs
}

type drop struct {
	reason DropReason
	err    error
}

// recorder collects deliveries and callbacks of one subscription.
type recorder struct {
	msgs     chan stream.Message
	caughtUp chan struct{}
	drops    chan drop
	caught   atomic.Int32
	dropped  atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		msgs:     make(chan stream.Message, 100),
		caughtUp: make(chan struct{}, 100),
		drops:    make(chan drop, 10),
	}
}

func (r *recorder) handler(ctx context.Context, s *Subscription, m stream.Message) error {
	r.msgs <- m
	return nil
}

func (r *recorder) options(extra ...Option) []Option {
	return append([]Option{
		OnCaughtUp(func() {
			r.caught.Add(1)
			r.caughtUp <- struct{}{}
		}),
		OnDropped(func(s *Subscription, reason DropReason, err error) {
			r.dropped.Add(1)
			r.drops <- drop{reason: reason, err: err}
		}),
	}, extra...)
}

func (r *recorder) next(t *testing.T) stream.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(wait):
		t.Fatal("timed out waiting for message")
	}
	return stream.Message{}
}

func (r *recorder) waitCaughtUp(t *testing.T) {
	t.Helper()
	select {
	case <-r.caughtUp:
	case <-time.After(wait):
		t.Fatal("timed out waiting for caught up")
	}
}

func (r *recorder) waitDrop(t *testing.T) drop {
	t.Helper()
	select {
	case d := <-r.drops:
		return d
	case <-time.After(wait):
		t.Fatal("timed out waiting for drop")
	}
	return drop{}
}

func (r *recorder) noMessage(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r.msgs:
		t.Fatalf("unexpected message %s", m)
	case <-time.After(d):
	}
}

func waitDone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("subscription did not stop")
	}
}

func TestCatchUpThenLive(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 3)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(), r.handler, r.options()...)
	defer s.Dispose()

	for i := range msgs {
		m := r.next(t)
		if m.ID != msgs[i].ID || m.Version != stream.Version(i) {
			t.Fatalf("delivery %d is %s", i, m)
		}
	}
	r.waitCaughtUp(t)
	if len(r.msgs) != 0 {
		t.Fatal("message delivered after caught up without an append")
	}
	if s.State() != Live {
		t.Fatalf("state %s", s.State())
	}

	more := f.append(t, "orders", 1)
	m := r.next(t)
	if m.ID != more[0].ID || m.Version != 3 {
		t.Fatalf("live delivery %s", m)
	}
	r.noMessage(t, 50*time.Millisecond)
	if r.caught.Load() != 1 {
		t.Fatalf("caught up fired %d times", r.caught.Load())
	}
	if s.LastVersion() != 3 || s.LastPosition() != m.Position {
		t.Fatalf("progress %d %d", s.LastVersion(), s.LastPosition())
	}
}

func TestPagesSmallerThanStream(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 7)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(), r.handler, r.options(WithPageSize(3))...)
	defer s.Dispose()
	for i := range msgs {
		if m := r.next(t); m.ID != msgs[i].ID {
			t.Fatalf("delivery %d out of order", i)
		}
	}
	r.waitCaughtUp(t)
	if r.caught.Load() != 1 {
		t.Fatalf("caught up fired %d times while paging", r.caught.Load())
	}
}

func TestSkipsDeletedMessages(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 5)
	for _, i := range []int{1, 2, 3} {
		err := f.b.Update(context.Background(), "orders", func(tx store.Tx) error {
			_, err := tx.DeleteMessage(msgs[i].ID)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(), r.handler, r.options(WithPageSize(2))...)
	defer s.Dispose()
	if m := r.next(t); m.Version != 0 {
		t.Fatalf("first delivery %s", m)
	}
	if m := r.next(t); m.Version != 4 {
		t.Fatalf("second delivery %s", m)
	}
	r.waitCaughtUp(t)
}

func TestAfterVersion(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 4)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", AfterVersion(1), r.handler, r.options()...)
	defer s.Dispose()
	if m := r.next(t); m.ID != msgs[2].ID {
		t.Fatalf("first delivery %s", m)
	}
	if m := r.next(t); m.ID != msgs[3].ID {
		t.Fatalf("second delivery %s", m)
	}
	r.waitCaughtUp(t)
}

func TestFromEnd(t *testing.T) {
	f := newFixture(t)
	f.append(t, "orders", 3)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromEnd(), r.handler, r.options()...)
	defer s.Dispose()
	<-s.Started()
	r.waitCaughtUp(t)
	r.noMessage(t, 20*time.Millisecond)
	more := f.append(t, "orders", 1)
	if m := r.next(t); m.ID != more[0].ID || m.Version != 3 {
		t.Fatalf("delivery from end %s", m)
	}
}

func TestFromEndOfUnknownStream(t *testing.T) {
	f := newFixture(t)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "later", FromEnd(), r.handler, r.options()...)
	defer s.Dispose()
	r.waitCaughtUp(t)
	msgs := f.append(t, "later", 2)
	if m := r.next(t); m.ID != msgs[0].ID || m.Version != 0 {
		t.Fatalf("first delivery %s", m)
	}
}

func TestPollTimeoutWithoutNotify(t *testing.T) {
	f := newFixture(t)
	r := newRecorder()
	s := ToStream(
		context.Background(), f.b, notify.New(), "orders", FromStart(), r.handler,
		r.options(WithPollTimeout(10*time.Millisecond))...,
	)
	defer s.Dispose()
	r.waitCaughtUp(t)
	msgs := f.append(t, "orders", 1)
	if m := r.next(t); m.ID != msgs[0].ID {
		t.Fatalf("delivery %s", m)
	}
}

func TestLazyPayload(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 1)
	got := make(chan []byte, 1)
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error {
			if m.Data != nil {
				return errors.New("payload was prefetched")
			}
			data, err := m.Payload(ctx)
			if err != nil {
				return err
			}
			got <- data
			return nil
		}, WithPrefetch(false))
	defer s.Dispose()
	select {
	case data := <-got:
		if string(data) != string(msgs[0].Data) {
			t.Fatalf("payload %s", data)
		}
	case <-time.After(wait):
		t.Fatal("timed out waiting for payload")
	}
}

func TestSubscriberError(t *testing.T) {
	f := newFixture(t)
	f.append(t, "orders", 3)
	r := newRecorder()
	errBoom := errors.New("boom")
	calls := 0
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error {
			calls++
			if m.Version == 1 {
				return errBoom
			}
			return nil
		}, r.options()...)
	d := r.waitDrop(t)
	if d.reason != ReasonSubscriberError || !errors.Is(d.err, errBoom) {
		t.Fatalf("drop %s %v", d.reason, d.err)
	}
	waitDone(t, s)
	if calls != 2 {
		t.Fatalf("handler called %d times after failing", calls)
	}
	if s.LastVersion() != 0 || s.State() != Disposed {
		t.Fatalf("last version %d state %s", s.LastVersion(), s.State())
	}
	s.Dispose()
	if r.dropped.Load() != 1 {
		t.Fatalf("dropped fired %d times", r.dropped.Load())
	}
}

func TestHandlerCanceledIsSubscriberError(t *testing.T) {
	f := newFixture(t)
	f.append(t, "orders", 1)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error {
			return fmt.Errorf("calling downstream: %w", context.Canceled)
		}, r.options()...)
	d := r.waitDrop(t)
	if d.reason != ReasonSubscriberError || !errors.Is(d.err, context.Canceled) {
		t.Fatalf("drop %s %v", d.reason, d.err)
	}
	waitDone(t, s)
}

func TestSubscriberPanic(t *testing.T) {
	f := newFixture(t)
	f.append(t, "orders", 1)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error {
			panic("handler bug")
		}, r.options()...)
	d := r.waitDrop(t)
	if d.reason != ReasonSubscriberError || d.err == nil {
		t.Fatalf("drop %s %v", d.reason, d.err)
	}
	waitDone(t, s)
}

type failingReader struct {
	StreamReader
	err error
}

func (r failingReader) ReadStreamForwards(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
) (stream.Page, error) {
	return stream.Page{}, r.err
}

func TestStoreError(t *testing.T) {
	f := newFixture(t)
	errDown := errors.New("backend down")
	r := newRecorder()
	s := ToStream(context.Background(), failingReader{StreamReader: f.b, err: errDown}, f.sig, "orders",
		FromStart(), r.handler, r.options()...)
	d := r.waitDrop(t)
	if d.reason != ReasonStreamStoreError || !errors.Is(d.err, errDown) {
		t.Fatalf("drop %s %v", d.reason, d.err)
	}
	waitDone(t, s)
}

func TestDisposeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := newRecorder()
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(), r.handler, r.options()...)
	r.waitCaughtUp(t)
	wg := sync.WaitGroup{}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispose()
		}()
	}
	wg.Wait()
	d := r.waitDrop(t)
	if d.reason != ReasonDisposed || d.err != nil {
		t.Fatalf("drop %s %v", d.reason, d.err)
	}
	waitDone(t, s)
	s.Dispose()
	if r.dropped.Load() != 1 {
		t.Fatalf("dropped fired %d times", r.dropped.Load())
	}
	f.append(t, "orders", 1)
	r.noMessage(t, 20*time.Millisecond)
}

func TestDisposeDuringHandler(t *testing.T) {
	f := newFixture(t)
	f.append(t, "orders", 2)
	r := newRecorder()
	entered := make(chan struct{})
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}, r.options()...)
	<-entered
	s.Dispose()
	d := r.waitDrop(t)
	if d.reason != ReasonDisposed {
		t.Fatalf("canceled handler dropped with %s", d.reason)
	}
	waitDone(t, s)
}

func TestParentContextCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := newRecorder()
	s := ToStream(ctx, f.b, f.sig, "orders", FromStart(), r.handler, r.options()...)
	r.waitCaughtUp(t)
	cancel()
	if d := r.waitDrop(t); d.reason != ReasonDisposed {
		t.Fatalf("drop %s", d.reason)
	}
	waitDone(t, s)
}

func TestToAll(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, "a", 1)
	b := f.append(t, "b", 1)
	r := newRecorder()
	s := ToAll(context.Background(), f.b, f.sig, FromStart(), r.handler, r.options(WithName("all-reader"))...)
	defer s.Dispose()
	if s.Name() != "all-reader" || s.StreamID() != All {
		t.Fatalf("name %s stream %s", s.Name(), s.StreamID())
	}
	if m := r.next(t); m.ID != a[0].ID || m.StreamID != "a" {
		t.Fatalf("first delivery %s", m)
	}
	if m := r.next(t); m.ID != b[0].ID || m.StreamID != "b" {
		t.Fatalf("second delivery %s", m)
	}
	r.waitCaughtUp(t)
	c := f.append(t, "a", 1)
	if m := r.next(t); m.ID != c[0].ID {
		t.Fatalf("live delivery %s", m)
	}
}

func TestToAllFromEndAndAfterPosition(t *testing.T) {
	f := newFixture(t)
	f.append(t, "a", 2)
	end := newRecorder()
	s := ToAll(context.Background(), f.b, f.sig, FromEnd(), end.handler, end.options()...)
	defer s.Dispose()
	end.waitCaughtUp(t)

	after := newRecorder()
	head, err := f.b.ReadHeadPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s2 := ToAll(context.Background(), f.b, f.sig, AfterPosition(head-1), after.handler, after.options()...)
	defer s2.Dispose()
	if m := after.next(t); m.Position != head {
		t.Fatalf("after position delivered %s", m)
	}

	msgs := f.append(t, "b", 1)
	if m := end.next(t); m.ID != msgs[0].ID {
		t.Fatalf("from end delivered %s", m)
	}
	if m := after.next(t); m.ID != msgs[0].ID {
		t.Fatalf("after position delivered %s", m)
	}
}

func deleteMessage(t *testing.T, b store.Backend, id stream.ID, mid uuid.UUID) {
	t.Helper()
	err := b.Update(context.Background(), id, func(tx store.Tx) error {
		_, err := tx.DeleteMessage(mid)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestToAllPassesOverDeletedPositions(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 4)
	deleteMessage(t, f.b, "orders", msgs[1].ID)
	deleteMessage(t, f.b, "orders", msgs[2].ID)
	r := newRecorder()
	s := ToAll(context.Background(), f.b, f.sig, FromStart(), r.handler,
		r.options(WithGapDelay(50*time.Millisecond))...)
	defer s.Dispose()
	if m := r.next(t); m.ID != msgs[0].ID {
		t.Fatalf("first delivery %s", m)
	}
	if m := r.next(t); m.ID != msgs[3].ID {
		t.Fatalf("second delivery %s", m)
	}
	r.waitCaughtUp(t)
}

func TestToAllOldHolesDoNotWait(t *testing.T) {
	f := newFixture(t)
	msgs := f.append(t, "orders", 3)
	deleteMessage(t, f.b, "orders", msgs[1].ID)
	r := newRecorder()
	s := ToAll(context.Background(), f.b, f.sig, FromStart(), r.handler,
		r.options(WithGapDelay(time.Hour), WithGapWindow(0))...)
	defer s.Dispose()
	r.next(t)
	if m := r.next(t); m.ID != msgs[2].ID {
		t.Fatalf("second delivery %s", m)
	}
	r.waitCaughtUp(t)
}

// Badger takes positions from a sequence before the transaction commits, so
// a later position can be visible first.
func TestToAllWaitsForLateCommit(t *testing.T) {
	ctx := context.Background()
	b, err := badgerdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	sig := notify.New()
	r := newRecorder()
	s := ToAll(ctx, b, sig, FromStart(), r.handler, r.options(WithGapDelay(time.Second))...)
	defer s.Dispose()
	r.waitCaughtUp(t)

	slow := storetest.Messages(1)
	appended := make(chan struct{})
	release := make(chan struct{})
	committed := make(chan error, 1)
	var once sync.Once
	go func() {
		committed <- b.Update(ctx, "slow", func(tx store.Tx) error {
			_, err := tx.Append(slow)
			if err != nil {
				return err
			}
			once.Do(func() { close(appended) })
			<-release
			return nil
		})
	}()
	select {
	case <-appended:
	case <-time.After(wait):
		t.Fatal("slow append did not start")
	}

	fast := storetest.Messages(1)
	var res stream.AppendResult
	err = b.Update(ctx, "fast", func(tx store.Tx) (err error) {
		res, err = tx.Append(fast)
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.CurrentPosition == 0 {
		t.Fatalf("fast append took the first position %+v", res)
	}
	sig.Notify()
	r.noMessage(t, 200*time.Millisecond)

	close(release)
	if err := <-committed; err != nil {
		t.Fatal(err)
	}
	sig.Notify()
	if m := r.next(t); m.ID != slow[0].ID {
		t.Fatalf("first delivery %s", m)
	}
	if m := r.next(t); m.ID != fast[0].ID {
		t.Fatalf("second delivery %s", m)
	}
}

func TestDefaultName(t *testing.T) {
	f := newFixture(t)
	s := ToStream(context.Background(), f.b, f.sig, "orders", FromStart(),
		func(ctx context.Context, s *Subscription, m stream.Message) error { return nil })
	defer s.Dispose()
	if s.Name() == "" {
		t.Fatal("subscription has no name")
	}
	if _, err := uuid.FromString(s.Name()); err != nil {
		t.Fatalf("default name %q is not a uuid", s.Name())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Starting:   "starting",
		CatchingUp: "catching_up",
		Live:       "live",
		Disposed:   "disposed",
	} {
		if s.String() != want {
			t.Errorf("%d is %s", s, s.String())
		}
	}
	if ReasonSubscriberError.String() != "subscriber_error" {
		t.Error(ReasonSubscriberError.String())
	}
}
