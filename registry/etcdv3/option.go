package etcdv3

import (
	"time"

	"github.com/go-productive/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type (
	_Options struct {
		dialTimeout  time.Duration
		dialOptions  []grpc.DialOption
		username     string
		password     string
		logger       *zap.Logger
		logErrorFunc func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts []Option) *_Options {
	o := &_Options{
		dialTimeout: discovery.Timeout,
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		},
		logErrorFunc: discovery.DefaultLogger().Errorw,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithDialTimeout(dialTimeout time.Duration) Option {
	return func(o *_Options) {
		o.dialTimeout = dialTimeout
	}
}

// WithDialOptions replaces the default plaintext blocking dial options.
func WithDialOptions(dialOptions ...grpc.DialOption) Option {
	return func(o *_Options) {
		o.dialOptions = dialOptions
	}
}

func WithAuth(username, password string) Option {
	return func(o *_Options) {
		o.username = username
		o.password = password
	}
}

func WithZapLogger(logger *zap.Logger) Option {
	return func(o *_Options) {
		o.logger = logger
	}
}

func WithLogErrorFunc(logErrorFunc func(msg string, keysAndValues ...interface{})) Option {
	return func(o *_Options) {
		o.logErrorFunc = logErrorFunc
	}
}
