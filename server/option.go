package server

import (
	"time"

	"github.com/go-productive/discovery"
	"github.com/google/uuid"
	"google.golang.org/grpc"
)

type (
	_Options struct {
		serverOptions         []grpc.ServerOption
		prefix                string
		instanceID            string
		interval, ttl         time.Duration
		shutdownSleepDuration time.Duration
		logInfoFunc           func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts ...Option) *_Options {
	o := &_Options{
		prefix:                "/services",
		instanceID:            uuid.NewString(),
		interval:              time.Second * 10,
		ttl:                   time.Second * 30,
		shutdownSleepDuration: time.Second,
		logInfoFunc:           discovery.DefaultLogger().Infow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *_Options) {
		o.serverOptions = append(o.serverOptions, opts...)
	}
}

// WithPrefix is the namespace nodes are registered under, as
// prefix/serviceName/instanceID.
func WithPrefix(prefix string) Option {
	return func(o *_Options) {
		o.prefix = prefix
	}
}

func WithInstanceID(instanceID string) Option {
	return func(o *_Options) {
		o.instanceID = instanceID
	}
}

func WithIntervalAndTTL(interval, ttl time.Duration) Option {
	return func(o *_Options) {
		o.interval = interval
		o.ttl = ttl
	}
}

func WithShutdownSleepDuration(shutdownSleepDuration time.Duration) Option {
	return func(o *_Options) {
		o.shutdownSleepDuration = shutdownSleepDuration
	}
}

func WithLogInfoFunc(logInfoFunc func(msg string, keysAndValues ...interface{})) Option {
	return func(o *_Options) {
		o.logInfoFunc = logInfoFunc
	}
}
