// Package cedar is an append only message store made of many named streams.
// Appends are guarded by an expected version and retries of the same batch
// are recognized as such. Deleted messages disappear from reads and leave a
// tombstone in the $deleted stream. Subscriptions follow a stream, or every
// stream, as it grows.
package cedar

import (
	"context"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/mergedcontext"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/notify"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/subscription"
	csync "github.com/iidesho/cedar/sync"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Store coordinates appends, deletes and subscriptions on top of one backend.
// It owns the backend and closes it on Close.
type Store struct {
	backend store.Backend
	signal  *notify.Broadcaster
	subs    *csync.Map[*subscription.Subscription, struct{}]
	opts    []subscription.Option
	metrics *storeMetrics

	ctx    context.Context
	cancel context.CancelFunc
	close  sync.Once
}

type Option func(*Store)

// WithSubscriptionDefaults sets options applied to every subscription before
// the options given to Subscribe.
func WithSubscriptionDefaults(opts ...subscription.Option) Option {
	return func(s *Store) {
		s.opts = append(s.opts, opts...)
	}
}

func New(backend store.Backend, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		backend: backend,
		signal:  notify.New(),
		subs:    csync.NewMap[*subscription.Subscription, struct{}](),
		metrics: loadMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) closed() bool {
	return s.ctx.Err() != nil
}

// Close disposes every subscription, waits for them to stop and closes the
// backend. Calls after the first return nil.
func (s *Store) Close() (err error) {
	s.close.Do(func() {
		s.cancel()
		subs := s.subs.GetMap()
		for sub := range subs {
			sub.Dispose()
		}
		for sub := range subs {
			<-sub.Done()
		}
		log.Info("closing store", "subscriptions", len(subs))
		err = s.backend.Close()
	})
	return
}

// HeadPosition is the newest position in the store, stream.NoPosition when
// nothing was ever appended.
func (s *Store) HeadPosition(ctx context.Context) (stream.Position, error) {
	if s.closed() {
		return stream.NoPosition, stream.ErrStoreClosed
	}
	return s.backend.ReadHeadPosition(ctx)
}

// SubscribeToStream delivers the messages of id to h. The subscription stops
// when ctx is done, when it is disposed, on failure or when the store closes.
func (s *Store) SubscribeToStream(
	ctx context.Context,
	id stream.ID,
	from subscription.StartFrom,
	h subscription.Handler,
	opts ...subscription.Option,
) (*subscription.Subscription, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, func(ctx context.Context, opts []subscription.Option) *subscription.Subscription {
		return subscription.ToStream(ctx, s.backend, s.signal, id, from, h, opts...)
	}, opts)
}

// SubscribeToAll delivers the messages of every stream in position order.
func (s *Store) SubscribeToAll(
	ctx context.Context,
	from subscription.StartFrom,
	h subscription.Handler,
	opts ...subscription.Option,
) (*subscription.Subscription, error) {
	return s.subscribe(ctx, func(ctx context.Context, opts []subscription.Option) *subscription.Subscription {
		return subscription.ToAll(ctx, s.backend, s.signal, from, h, opts...)
	}, opts)
}

func (s *Store) subscribe(
	ctx context.Context,
	start func(context.Context, []subscription.Option) *subscription.Subscription,
	opts []subscription.Option,
) (*subscription.Subscription, error) {
	if s.closed() {
		return nil, stream.ErrStoreClosed
	}
	mctx, cancel := mergedcontext.MergeContexts(s.ctx, ctx)
	all := make([]subscription.Option, 0, len(s.opts)+len(opts))
	all = append(all, s.opts...)
	all = append(all, opts...)
	sub := start(mctx, all)
	s.subs.Set(sub, struct{}{})
	go func() {
		<-sub.Done()
		cancel()
		s.subs.Delete(sub)
	}()
	return sub, nil
}

// Subscriptions is the number of running subscriptions.
func (s *Store) Subscriptions() int {
	return s.subs.Len()
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
