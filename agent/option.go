package agent

import (
	"github.com/go-productive/discovery"
)

type (
	_Options struct {
		maxMisses    int
		regrant      bool
		logInfoFunc  func(msg string, keysAndValues ...interface{})
		logErrorFunc func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts ...Option) *_Options {
	o := &_Options{
		maxMisses:    2,
		logInfoFunc:  discovery.DefaultLogger().Infow,
		logErrorFunc: discovery.DefaultLogger().Errorw,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxMisses is how many keep-alives in a row may fail before the lease
// is reported unhealthy.
func WithMaxMisses(maxMisses int) Option {
	return func(o *_Options) {
		if maxMisses > 0 {
			o.maxMisses = maxMisses
		}
	}
}

// WithRegrant makes an expired lease be replaced by a new one, with every
// key bound to it written again.
func WithRegrant(regrant bool) Option {
	return func(o *_Options) {
		o.regrant = regrant
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
