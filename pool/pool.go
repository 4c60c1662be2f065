// Package pool turns mirrored registrations into gRPC connection handles
// and publishes every membership change on a bounded queue for a balancer.
//
// Work for one key always runs on the same worker, chosen by hashing the key,
// so events for a key leave in the order they arrived while a slow address
// only holds up its own worker.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-productive/discovery"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/spaolacci/murmur3"
	"google.golang.org/grpc"
)

const (
	EventTypeInsert eventType = "insert"
	EventTypeRemove eventType = "remove"
)

type (
	eventType string
	Event     struct {
		Type eventType
		Key  string
		Conn *Conn
	}
	_Task struct {
		key    string
		value  string
		remove bool
	}
	Bridge struct {
		options *_Options
		conns   *xsync.Map[string, *Conn]

		eventChan  chan Event
		eventMutex sync.Mutex
		dropped    atomic.Uint64

		queues     []chan _Task
		ctx        context.Context
		cancelFunc context.CancelFunc
		wg         sync.WaitGroup
		closeOnce  sync.Once
	}
)

func New(opts ...Option) *Bridge {
	options := newOptions(opts...)
	ctx, cancelFunc := context.WithCancel(context.Background())
	b := &Bridge{
		options:    options,
		conns:      xsync.NewMap[string, *Conn](),
		eventChan:  make(chan Event, options.queueSize),
		queues:     make([]chan _Task, options.workers),
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}
	for i := range b.queues {
		b.queues[i] = make(chan _Task, options.queueSize)
		b.wg.Add(1)
		go b.work(b.queues[i])
	}
	return b
}

func (e Event) String() string {
	if e.Conn == nil {
		return fmt.Sprintf("%v %v", e.Type, e.Key)
	}
	return fmt.Sprintf("%v %v", e.Type, e.Conn)
}

// Events is the membership feed. It is closed by Close.
func (b *Bridge) Events() <-chan Event {
	return b.eventChan
}

// Dropped counts events discarded by PolicyDropOldest.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) Conn(key string) (*Conn, bool) {
	return b.conns.Load(key)
}

func (b *Bridge) Conns() []*Conn {
	conns := make([]*Conn, 0, b.conns.Size())
	b.conns.Range(func(_ string, conn *Conn) bool {
		conns = append(conns, conn)
		return true
	})
	return conns
}

func (b *Bridge) Len() int {
	return b.conns.Size()
}

func (b *Bridge) OnInsert(key, value string) {
	b.dispatch(_Task{key: key, value: value})
}

func (b *Bridge) OnRemove(key string) {
	b.dispatch(_Task{key: key, remove: true})
}

func (b *Bridge) dispatch(task _Task) {
	queue := b.queues[murmur3.Sum32([]byte(task.key))%uint32(len(b.queues))]
	select {
	case <-b.ctx.Done():
	case queue <- task:
	}
}

func (b *Bridge) work(queue <-chan _Task) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case task := <-queue:
			if task.remove {
				b.remove(task.key)
			} else {
				b.insert(task.key, task.value)
			}
		}
	}
}

func (b *Bridge) insert(key, addr string) {
	old, ok := b.conns.Load(key)
	if ok && old.Addr == addr {
		return
	}
	conn, err := b.Resolve(key, addr, b.options.resolveTimeout)
	if err != nil {
		b.options.logErrorFunc("resolve", "key", key, "addr", addr, "err", err)
		if ok {
			b.conns.Delete(key)
			b.publish(Event{Type: EventTypeRemove, Key: key, Conn: old})
			old.Close()
		}
		return
	}
	if b.ctx.Err() != nil {
		conn.Close()
		return
	}
	b.conns.Store(key, conn)
	b.options.logInfoFunc("insert", "key", key, "addr", addr, "target", conn.target)
	b.publish(Event{Type: EventTypeInsert, Key: key, Conn: conn})
	if ok {
		old.Close()
	}
}

// remove closes the handle only after the event retracting it is in the
// feed, behind every event published before it.
func (b *Bridge) remove(key string) {
	conn, ok := b.conns.LoadAndDelete(key)
	if !ok {
		return
	}
	b.options.logInfoFunc("remove", "key", key, "addr", conn.Addr)
	b.publish(Event{Type: EventTypeRemove, Key: key, Conn: conn})
	conn.Close()
}

func (b *Bridge) publish(event Event) {
	if b.options.policy != PolicyDropOldest {
		select {
		case <-b.ctx.Done():
		case b.eventChan <- event:
		}
		return
	}
	b.eventMutex.Lock()
	defer b.eventMutex.Unlock()
	for {
		select {
		case b.eventChan <- event:
			return
		default:
		}
		select {
		case dropped := <-b.eventChan:
			b.dropped.Add(1)
			b.options.logErrorFunc("publish", "policy", b.options.policy, "dropped", dropped)
		default:
		}
	}
}

// Resolve builds the connection handle for address. timeout bounds the
// blocking part, which is only the connect wait when blocking connect is on.
// Closing the bridge cancels it.
func (b *Bridge) Resolve(key, address string, timeout time.Duration) (*Conn, error) {
	timeoutCtx, cancelFunc := context.WithTimeout(b.ctx, timeout)
	defer cancelFunc()
	conn, err := b.newConn(timeoutCtx, key, address)
	if err != nil {
		return nil, fmt.Errorf("%w: key:%v addr:%v: %v", discovery.ErrResolution, key, address, err)
	}
	return conn, nil
}

func (b *Bridge) newConn(ctx context.Context, key, address string) (conn *Conn, err error) {
	target, creds, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	conn = &Conn{
		Key:         key,
		Addr:        address,
		target:      target,
		connections: make([]*grpc.ClientConn, 0, b.options.connSizePerAddr),
	}
	defer func() {
		if err != nil {
			conn.Close()
			conn = nil
		}
	}()
	dialOptions := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, b.options.dialOptions...)
	for i := 0; i < cap(conn.connections); i++ {
		clientConn, err := grpc.NewClient(target, dialOptions...)
		if err != nil {
			return conn, err
		}
		conn.connections = append(conn.connections, clientConn)
	}
	if b.options.blockingConnect {
		for _, clientConn := range conn.connections {
			if err := waitReady(ctx, clientConn); err != nil {
				return conn, err
			}
		}
	}
	return conn, nil
}

// Close cancels in-flight resolutions, stops the workers, closes every
// handle and finally the event feed.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancelFunc()
		b.wg.Wait()
		b.conns.Range(func(key string, conn *Conn) bool {
			conn.Close()
			b.conns.Delete(key)
			return true
		})
		close(b.eventChan)
	})
}
