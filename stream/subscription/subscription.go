// Package subscription delivers the messages of a stream, or of all streams,
// to a handler in order. A subscription reads pages until it has caught up,
// then waits for an append notification or the poll timeout before reading
// again. It stops for good on the first read or handler error, or when it is
// disposed.
package subscription

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/stream"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// All is the stream id reported by subscriptions to every stream.
const All stream.ID = "$all"

type State int32

const (
	Starting State = iota
	CatchingUp
	Live
	Disposed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case CatchingUp:
		return "catching_up"
	case Live:
		return "live"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type DropReason uint8

const (
	// Dropped by Dispose or by cancellation of the context it was created with.
	ReasonDisposed DropReason = iota
	// Reading from the store failed.
	ReasonStreamStoreError
	// The handler returned an error or panicked.
	ReasonSubscriberError
)

func (r DropReason) String() string {
	switch r {
	case ReasonDisposed:
		return "disposed"
	case ReasonStreamStoreError:
		return "stream_store_error"
	case ReasonSubscriberError:
		return "subscriber_error"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Handler receives every message once, in order. The subscription does not
// read further until it returns. Returning an error drops the subscription.
type Handler func(ctx context.Context, s *Subscription, m stream.Message) error

type Subscription struct {
	opts     options
	streamID stream.ID
	from     StartFrom
	src      source
	signal   Signal
	handler  Handler
	metrics  *subscriptionMetrics

	ctx    context.Context
	cancel context.CancelFunc

	state        atomic.Int32
	dropped      atomic.Bool
	lastVersion  atomic.Int64
	lastPosition atomic.Int64

	// holes at or below gapChecked have been read twice
	gapChecked int64

	started chan struct{}
	done    chan struct{}
}

// ToStream starts a subscription to one stream. It runs until ctx is done,
// Dispose is called or it fails.
func ToStream(
	ctx context.Context,
	r StreamReader,
	signal Signal,
	id stream.ID,
	from StartFrom,
	h Handler,
	opts ...Option,
) *Subscription {
	return start(ctx, streamSource{r: r, id: id}, signal, id, from, h, opts)
}

// ToAll starts a subscription to every stream, ordered by position.
func ToAll(
	ctx context.Context,
	r AllReader,
	signal Signal,
	from StartFrom,
	h Handler,
	opts ...Option,
) *Subscription {
	return start(ctx, allSource{r: r}, signal, All, from, h, opts)
}

func start(
	ctx context.Context,
	src source,
	signal Signal,
	id stream.ID,
	from StartFrom,
	h Handler,
	opts []Option,
) *Subscription {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Subscription{
		opts:       o,
		streamID:   id,
		from:       from,
		src:        src,
		signal:     signal,
		handler:    h,
		metrics:    loadMetrics(),
		gapChecked: -1,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastVersion.Store(int64(stream.End))
	s.lastPosition.Store(int64(stream.NoPosition))
	log.Debug("starting subscription", "name", o.name, "stream", id)
	go s.run()
	return s
}

func (s *Subscription) Name() string {
	return s.opts.name
}

func (s *Subscription) StreamID() stream.ID {
	return s.streamID
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// LastVersion is the version of the last delivered message, stream.End before
// the first delivery.
func (s *Subscription) LastVersion() stream.Version {
	return stream.Version(s.lastVersion.Load())
}

// LastPosition is the position of the last delivered message.
func (s *Subscription) LastPosition() stream.Position {
	return stream.Position(s.lastPosition.Load())
}

// Started is closed once the start point is resolved or resolving it failed.
func (s *Subscription) Started() <-chan struct{} {
	return s.started
}

// Done is closed when the subscription has stopped and the dropped callback returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dispose stops the subscription. It does not wait, use Done for that.
func (s *Subscription) Dispose() {
	s.cancel()
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.cancel()
	next, err := s.src.start(s.ctx, s.from)
	close(s.started)
	if err != nil {
		s.fail(ReasonStreamStoreError, err)
		return
	}
	s.state.Store(int32(CatchingUp))
	for {
		gen := s.signal.Generation()
		msgs, after, end, err := s.src.pull(s.ctx, next, s.opts.pageSize, s.opts.prefetch)
		if err != nil {
			s.fail(ReasonStreamStoreError, err)
			return
		}
		msgs, gap := s.untilGap(next, msgs)
		for _, m := range msgs {
			err = s.deliver(m)
			if err != nil {
				s.fail(ReasonSubscriberError, err)
				return
			}
			next = s.src.cursor(m) + 1
		}
		if gap {
			err = s.sleep(s.opts.gapDelay)
			if err != nil {
				s.fail(ReasonDisposed, err)
				return
			}
			continue
		}
		if after > next {
			next = after
		}
		if !end {
			s.state.Store(int32(CatchingUp))
			continue
		}
		if State(s.state.Swap(int32(Live))) != Live {
			log.Debug("subscription caught up", "name", s.opts.name, "stream", s.streamID, "next", next)
			if s.opts.caughtUp != nil {
				s.opts.caughtUp()
			}
		}
		_, err = s.signal.Wait(s.ctx, gen, s.opts.pollTimeout)
		if err != nil {
			s.fail(ReasonDisposed, err)
			return
		}
	}
}

// untilGap cuts msgs at the first recent hole that has not been read twice.
func (s *Subscription) untilGap(next int64, msgs []stream.Message) ([]stream.Message, bool) {
	if !s.src.gapped() || len(msgs) == 0 {
		return msgs, false
	}
	expected := next
	for i, m := range msgs {
		c := s.src.cursor(m)
		if c > expected && c > s.gapChecked && time.Since(m.Created) < s.opts.gapWindow {
			s.gapChecked = s.src.cursor(msgs[len(msgs)-1])
			log.Debug("waiting for skipped positions", "name", s.opts.name, "from", expected, "to", c-1)
			return msgs[:i], true
		}
		expected = c + 1
	}
	return msgs, false
}

func (s *Subscription) sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Subscription) deliver(m stream.Message) (err error) {
	if err = s.ctx.Err(); err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription handler panicked: %v", r)
		}
	}()
	err = s.handler(s.ctx, s, m)
	if err != nil {
		return
	}
	s.lastVersion.Store(int64(m.Version))
	s.lastPosition.Store(int64(m.Position))
	s.metrics.delivered(s.streamID)
	return nil
}

// fail reports a dispose instead once the subscription context is done.
func (s *Subscription) fail(reason DropReason, err error) {
	if s.ctx.Err() != nil {
		s.drop(ReasonDisposed, nil)
		return
	}
	s.drop(reason, err)
}

func (s *Subscription) drop(reason DropReason, err error) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(int32(Disposed))
	s.cancel()
	s.metrics.dropped(reason)
	if reason == ReasonDisposed {
		log.Debug("subscription disposed", "name", s.opts.name, "stream", s.streamID)
	} else {
		log.WithError(err).Warning("subscription dropped", "name", s.opts.name, "stream", s.streamID, "reason", reason)
	}
	if s.opts.dropped != nil {
		s.opts.dropped(s, reason, err)
	}
}
