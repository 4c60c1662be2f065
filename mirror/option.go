package mirror

import (
	"time"

	"github.com/go-productive/discovery"
)

type (
	_Options struct {
		listeners      []Listener
		minBackoff     time.Duration
		maxBackoff     time.Duration
		maxRetries     int
		resyncSchedule string
		resyncInterval time.Duration
		onStaleFunc    func(prefix string, err error)
		logInfoFunc    func(msg string, keysAndValues ...interface{})
		logErrorFunc   func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts []Option) *_Options {
	o := &_Options{
		minBackoff:     time.Millisecond * 100,
		maxBackoff:     time.Second * 10,
		maxRetries:     5,
		resyncInterval: time.Second,
		onStaleFunc:    func(prefix string, err error) {},
		logInfoFunc:    discovery.DefaultLogger().Infow,
		logErrorFunc:   discovery.DefaultLogger().Errorw,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// backoff doubles from minBackoff on every consecutive failure.
func (o *_Options) backoff(failures int) time.Duration {
	d := o.minBackoff
	for i := 1; i < failures && d < o.maxBackoff; i++ {
		d <<= 1
	}
	if d > o.maxBackoff {
		d = o.maxBackoff
	}
	return d
}

// WithListener adds a listener notified of every insert and remove, in
// the order they are applied.
func WithListener(listener Listener) Option {
	return func(o *_Options) {
		o.listeners = append(o.listeners, listener)
	}
}

func WithBackoff(min, max time.Duration) Option {
	return func(o *_Options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// WithMaxRetries sets how many consecutive watch failures mark the mirror
// stale.
func WithMaxRetries(maxRetries int) Option {
	return func(o *_Options) {
		o.maxRetries = maxRetries
	}
}

// WithResyncSchedule reloads every discovered prefix on a cron schedule,
// e.g. "@every 10m".
func WithResyncSchedule(spec string) Option {
	return func(o *_Options) {
		o.resyncSchedule = spec
	}
}

// WithResyncInterval is the minimum gap between two full reloads.
func WithResyncInterval(resyncInterval time.Duration) Option {
	return func(o *_Options) {
		o.resyncInterval = resyncInterval
	}
}

func WithOnStaleFunc(onStaleFunc func(prefix string, err error)) Option {
	return func(o *_Options) {
		o.onStaleFunc = onStaleFunc
	}
}

func WithLogInfoFunc(logInfoFunc func(msg string, keysAndValues ...interface{})) Option {
	return func(o *_Options) {
		o.logInfoFunc = logInfoFunc
	}
}

func WithLogErrorFunc(logErrorFunc func(msg string, keysAndValues ...interface{})) Option {
	return func(o *_Options) {
		o.logErrorFunc = logErrorFunc
	}
}
