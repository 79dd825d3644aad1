package subscription

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize    = 10
	DefaultPollTimeout = time.Second
	DefaultGapDelay    = 250 * time.Millisecond
	DefaultGapWindow   = 10 * time.Second
)

type options struct {
	name        string
	pageSize    int
	prefetch    bool
	pollTimeout time.Duration
	gapDelay    time.Duration
	gapWindow   time.Duration
	caughtUp    func()
	dropped     func(s *Subscription, reason DropReason, err error)
}

func defaultOptions() options {
	return options{
		name:        uuid.New().String(),
		pageSize:    DefaultPageSize,
		prefetch:    true,
		pollTimeout: DefaultPollTimeout,
		gapDelay:    DefaultGapDelay,
		gapWindow:   DefaultGapWindow,
	}
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithPageSize sets how many messages are pulled per read. Values below one
// read one message at a time.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.pageSize = n
	}
}

// WithPrefetch controls whether pages carry the message data. Without it the
// handler loads data through stream.Message.Payload.
func WithPrefetch(prefetch bool) Option {
	return func(o *options) {
		o.prefetch = prefetch
	}
}

// WithPollTimeout bounds how long a caught up subscription waits for an
// append notification before reading again.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithGapDelay sets how long a subscription to all streams waits for a
// skipped position to commit before reading it again.
func WithGapDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gapDelay = d
		}
	}
}

// WithGapWindow sets how recent the message after a skipped position has to
// be for the subscription to wait on the hole. Zero never waits.
func WithGapWindow(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.gapWindow = d
		}
	}
}

// OnCaughtUp is called every time the subscription goes from catching up to live.
func OnCaughtUp(fn func()) Option {
	return func(o *options) {
		o.caughtUp = fn
	}
}

// OnDropped is called once when the subscription stops.
func OnDropped(fn func(s *Subscription, reason DropReason, err error)) Option {
	return func(o *options) {
		o.dropped = fn
	}
}
