package pool

import (
	"runtime"
	"time"

	"github.com/go-productive/discovery"
	"google.golang.org/grpc"
)

const (
	PolicyBlock Policy = iota
	PolicyDropOldest
)

type (
	// Policy decides what a full event queue does with a new event.
	Policy int

	_Options struct {
		dialOptions     []grpc.DialOption
		connSizePerAddr int // latency is slow when high load if only one grpc conn
		resolveTimeout  time.Duration
		blockingConnect bool
		queueSize       int
		policy          Policy
		workers         int
		logInfoFunc     func(msg string, keysAndValues ...interface{})
		logErrorFunc    func(msg string, keysAndValues ...interface{})
	}
	Option func(*_Options)
)

func newOptions(opts ...Option) *_Options {
	o := &_Options{
		connSizePerAddr: runtime.GOMAXPROCS(0),
		resolveTimeout:  time.Second * 10,
		queueSize:       256,
		policy:          PolicyBlock,
		workers:         runtime.GOMAXPROCS(0),
		logInfoFunc:     discovery.DefaultLogger().Infow,
		logErrorFunc:    discovery.DefaultLogger().Errorw,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.connSizePerAddr < 1 {
		o.connSizePerAddr = 1
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.queueSize < 1 {
		o.queueSize = 1
	}
	return o
}

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// WithDialOptions appends to the options every connection is created with.
// Transport credentials are chosen from the address scheme unless given here.
func WithDialOptions(dialOptions ...grpc.DialOption) Option {
	return func(o *_Options) {
		o.dialOptions = append(o.dialOptions, dialOptions...)
	}
}

func WithConnSizePerAddr(connSizePerAddr int) Option {
	return func(o *_Options) {
		o.connSizePerAddr = connSizePerAddr
	}
}

func WithResolveTimeout(resolveTimeout time.Duration) Option {
	return func(o *_Options) {
		o.resolveTimeout = resolveTimeout
	}
}

// WithBlockingConnect makes resolution wait until every connection of an
// address is ready, bounded by the resolve timeout.
func WithBlockingConnect(blockingConnect bool) Option {
	return func(o *_Options) {
		o.blockingConnect = blockingConnect
	}
}

func WithQueueSize(queueSize int) Option {
	return func(o *_Options) {
		o.queueSize = queueSize
	}
}

func WithPolicy(policy Policy) Option {
	return func(o *_Options) {
		o.policy = policy
	}
}

func WithWorkers(workers int) Option {
	return func(o *_Options) {
		o.workers = workers
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
