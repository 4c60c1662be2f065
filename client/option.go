package client

import (
	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/client/selector"
	"github.com/go-productive/discovery/mirror"
	"github.com/go-productive/discovery/pool"
)

type (
	_Options struct {
		selector      selector.Selector
		bridgeOptions []pool.Option
		mirrorOptions []mirror.Option
		onEventFunc   func(event pool.Event)
		logInfoFunc   func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts ...Option) *_Options {
	o := &_Options{
		selector:    new(selector.UniversalSelector),
		onEventFunc: func(event pool.Event) {},
		logInfoFunc: discovery.DefaultLogger().Infow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithSelector(selector selector.Selector) Option {
	return func(o *_Options) {
		o.selector = selector
	}
}

func WithBridgeOptions(bridgeOptions ...pool.Option) Option {
	return func(o *_Options) {
		o.bridgeOptions = append(o.bridgeOptions, bridgeOptions...)
	}
}

func WithMirrorOptions(mirrorOptions ...mirror.Option) Option {
	return func(o *_Options) {
		o.mirrorOptions = append(o.mirrorOptions, mirrorOptions...)
	}
}

// WithOnEventFunc is called after the selector has applied each membership
// event.
func WithOnEventFunc(onEventFunc func(event pool.Event)) Option {
	return func(o *_Options) {
		o.onEventFunc = onEventFunc
	}
}

func WithLogInfoFunc(logInfoFunc func(msg string, keysAndValues ...interface{})) Option {
	return func(o *_Options) {
		o.logInfoFunc = logInfoFunc
	}
}
