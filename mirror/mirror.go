// Package mirror keeps a local, concurrently readable copy of every key
// under one or more prefixes of a registry.Store.
//
// Each discovered prefix gets a background task that owns its watch stream.
// Reads never take a lock; every mutation goes through a single apply path
// so the map and the listener notifications stay in the same order.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/registry"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

var (
	ErrClosed       = errors.New("mirror closed")
	errWatchStopped = errors.New("watch stream closed")
)

type (
	Listener interface {
		OnInsert(key, value string)
		OnRemove(key string)
	}
	Mirror struct {
		store   registry.Store
		options *_Options
		entries *xsync.Map[string, string]

		applyMutex sync.Mutex
		staleCount atomic.Int32
		limiter    *rate.Limiter
		cron       *cron.Cron

		ctx        context.Context
		cancelFunc context.CancelFunc
		wg         sync.WaitGroup

		watchersMutex sync.Mutex
		watchers      map[string]*_Watcher
		closed        bool
	}
	_Watcher struct {
		mirror     *Mirror
		prefix     string
		resyncChan chan struct{}

		// owned by the watcher goroutine once it runs
		revision    int64
		failures    int
		stale       bool
		cancelWatch context.CancelFunc
	}
)

func New(store registry.Store, opts ...Option) *Mirror {
	options := newOptions(opts)
	ctx, cancelFunc := context.WithCancel(context.Background())
	m := &Mirror{
		store:      store,
		options:    options,
		entries:    xsync.NewMap[string, string](),
		limiter:    rate.NewLimiter(rate.Every(options.resyncInterval), 1),
		ctx:        ctx,
		cancelFunc: cancelFunc,
		watchers:   make(map[string]*_Watcher),
	}
	if options.resyncSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(options.resyncSchedule, m.resyncAll); err != nil {
			options.logErrorFunc("New", "resyncSchedule", options.resyncSchedule, "err", err)
		} else {
			m.cron = c
			c.Start()
		}
	}
	return m
}

// Discover loads every key under prefix, then follows the prefix's change
// stream in the background from the revision the load was read at.
func (m *Mirror) Discover(ctx context.Context, prefix string) error {
	m.watchersMutex.Lock()
	if m.closed {
		m.watchersMutex.Unlock()
		return ErrClosed
	}
	if _, ok := m.watchers[prefix]; ok {
		m.watchersMutex.Unlock()
		return fmt.Errorf("prefix:%v already discovered", prefix)
	}
	w := &_Watcher{
		mirror:     m,
		prefix:     prefix,
		resyncChan: make(chan struct{}, 1),
	}
	m.watchers[prefix] = w
	m.wg.Add(1)
	m.watchersMutex.Unlock()

	watchChan, err := w.load(ctx)
	if err != nil {
		m.watchersMutex.Lock()
		delete(m.watchers, prefix)
		m.watchersMutex.Unlock()
		m.wg.Done()
		return fmt.Errorf("%w: prefix:%v: %v", discovery.ErrWatch, prefix, err)
	}
	m.options.logInfoFunc("Discover", "prefix", prefix, "revision", w.revision, "size", m.entries.Size())
	go w.run(watchChan)
	return nil
}

func (m *Mirror) Get(key string) (string, bool) {
	return m.entries.Load(key)
}

// Add inserts or overwrites key as if a put had been observed.
func (m *Mirror) Add(key, value string) {
	m.apply(&registry.Event{Type: registry.EventTypePut, KV: registry.KV{Key: key, Value: value}})
}

func (m *Mirror) Remove(key string) {
	m.apply(&registry.Event{Type: registry.EventTypeDelete, KV: registry.KV{Key: key}})
}

// Snapshot copies the current map. It is not updated afterwards.
func (m *Mirror) Snapshot() map[string]string {
	snapshot := make(map[string]string, m.entries.Size())
	m.entries.Range(func(key, value string) bool {
		snapshot[key] = value
		return true
	})
	return snapshot
}

func (m *Mirror) Len() int {
	return m.entries.Size()
}

// Stale reports whether any prefix has exhausted its watch retries. The
// last known entries are still served.
func (m *Mirror) Stale() bool {
	return m.staleCount.Load() > 0
}

// Resync asks the prefix's task to reload it from the store.
func (m *Mirror) Resync(prefix string) bool {
	m.watchersMutex.Lock()
	w, ok := m.watchers[prefix]
	m.watchersMutex.Unlock()
	if !ok {
		return false
	}
	w.requestResync()
	return true
}

func (m *Mirror) resyncAll() {
	m.watchersMutex.Lock()
	prefixes := make([]string, 0, len(m.watchers))
	for prefix := range m.watchers {
		prefixes = append(prefixes, prefix)
	}
	m.watchersMutex.Unlock()
	for _, prefix := range prefixes {
		m.Resync(prefix)
	}
}

// Close stops every watch and waits for the background tasks to exit.
// Entries stay readable.
func (m *Mirror) Close() {
	m.watchersMutex.Lock()
	if m.closed {
		m.watchersMutex.Unlock()
		return
	}
	m.closed = true
	m.watchersMutex.Unlock()
	m.cancelFunc()
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.wg.Wait()
}

func (m *Mirror) apply(event *registry.Event) {
	key := event.KV.Key
	if key == "" {
		m.options.logInfoFunc("discardEmptyKey", "event", event)
		return
	}
	m.applyMutex.Lock()
	defer m.applyMutex.Unlock()
	switch event.Type {
	case registry.EventTypePut:
		m.insertLocked(key, event.KV.Value)
	case registry.EventTypeDelete:
		m.removeLocked(key)
	}
}

// reconcile makes the entries under prefix equal to kvs.
func (m *Mirror) reconcile(prefix string, kvs []registry.KV) {
	m.applyMutex.Lock()
	defer m.applyMutex.Unlock()
	present := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		if kv.Key == "" {
			continue
		}
		present[kv.Key] = struct{}{}
		if value, ok := m.entries.Load(kv.Key); ok && value == kv.Value {
			continue
		}
		m.insertLocked(kv.Key, kv.Value)
	}
	var gone []string
	m.entries.Range(func(key, _ string) bool {
		if _, ok := present[key]; !ok && strings.HasPrefix(key, prefix) {
			gone = append(gone, key)
		}
		return true
	})
	for _, key := range gone {
		m.removeLocked(key)
	}
}

func (m *Mirror) insertLocked(key, value string) {
	m.entries.Store(key, value)
	for _, listener := range m.options.listeners {
		listener.OnInsert(key, value)
	}
}

func (m *Mirror) removeLocked(key string) {
	if _, ok := m.entries.LoadAndDelete(key); !ok {
		return
	}
	for _, listener := range m.options.listeners {
		listener.OnRemove(key)
	}
}

func (w *_Watcher) load(ctx context.Context) (registry.WatchChan, error) {
	if err := w.reconcile(ctx); err != nil {
		return nil, err
	}
	return w.open(w.revision + 1)
}

func (w *_Watcher) run(watchChan registry.WatchChan) {
	m := w.mirror
	defer m.wg.Done()
	defer func() {
		if w.cancelWatch != nil {
			w.cancelWatch()
		}
	}()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-w.resyncChan:
			if delay := w.reserveReload(); delay > 0 {
				time.AfterFunc(delay, w.requestResync)
				continue
			}
			if err := w.reconcile(m.ctx); err != nil {
				m.options.logErrorFunc("resync", "prefix", w.prefix, "err", err)
			}
		case watchRsp, ok := <-watchChan:
			if ok && watchRsp.Err == nil {
				w.applyResponse(&watchRsp)
				continue
			}
			err := errWatchStopped
			if ok {
				err = watchRsp.Err
			}
			if watchChan = w.resubscribe(err); watchChan == nil {
				return
			}
		}
	}
}

func (w *_Watcher) applyResponse(watchRsp *registry.WatchResponse) {
	applied := w.revision
	for _, event := range watchRsp.Events {
		if event.KV.ModRevision != 0 && event.KV.ModRevision <= applied {
			continue
		}
		w.mirror.options.logInfoFunc("watch", "prefix", w.prefix, "event", event)
		w.mirror.apply(event)
		if event.KV.ModRevision > w.revision {
			w.revision = event.KV.ModRevision
		}
	}
}

// resubscribe retries with backoff until a stream is open again or the
// mirror closes, in which case it returns nil.
func (w *_Watcher) resubscribe(err error) registry.WatchChan {
	m := w.mirror
	for {
		w.failures++
		m.options.logErrorFunc("watch", "prefix", w.prefix, "revision", w.revision, "failures", w.failures, "err", err)
		if w.failures >= m.options.maxRetries {
			w.markStale(err)
		}
		timer := time.NewTimer(m.options.backoff(w.failures))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		var watchChan registry.WatchChan
		if watchChan, err = w.resume(err); err == nil {
			w.markHealthy()
			return watchChan
		}
		if m.ctx.Err() != nil {
			return nil
		}
	}
}

// resume continues after the last applied revision. When that revision has
// been compacted away, reported either by the failed stream or by the new
// watch, the prefix is reloaded instead.
func (w *_Watcher) resume(cause error) (registry.WatchChan, error) {
	if !errors.Is(cause, registry.ErrCompacted) {
		watchChan, err := w.open(w.revision + 1)
		if !errors.Is(err, registry.ErrCompacted) {
			return watchChan, err
		}
	}
	m := w.mirror
	m.options.logInfoFunc("reload", "prefix", w.prefix, "revision", w.revision)
	if err := m.limiter.Wait(m.ctx); err != nil {
		return nil, err
	}
	return w.load(m.ctx)
}

// reserveReload takes a reload token, or returns how long until one is free
// without consuming it.
func (w *_Watcher) reserveReload() time.Duration {
	reservation := w.mirror.limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
	}
	return delay
}

func (w *_Watcher) requestResync() {
	select {
	case w.resyncChan <- struct{}{}:
	default:
	}
}

func (w *_Watcher) open(fromRevision int64) (registry.WatchChan, error) {
	if w.cancelWatch != nil {
		w.cancelWatch()
		w.cancelWatch = nil
	}
	ctx, cancelFunc := context.WithCancel(w.mirror.ctx)
	watchChan, err := w.mirror.store.Watch(ctx, w.prefix, fromRevision)
	if err != nil {
		cancelFunc()
		return nil, err
	}
	w.cancelWatch = cancelFunc
	return watchChan, nil
}

func (w *_Watcher) reconcile(ctx context.Context) error {
	timeoutCtx, cancelFunc := context.WithTimeout(ctx, discovery.Timeout)
	defer cancelFunc()
	kvs, revision, err := w.mirror.store.Get(timeoutCtx, w.prefix)
	if err != nil {
		return err
	}
	if revision < w.revision {
		return nil
	}
	w.mirror.reconcile(w.prefix, kvs)
	w.revision = revision
	return nil
}

func (w *_Watcher) markStale(err error) {
	if w.stale {
		return
	}
	w.stale = true
	w.mirror.staleCount.Add(1)
	w.mirror.options.logErrorFunc("stale", "prefix", w.prefix, "failures", w.failures, "err", err)
	w.mirror.options.onStaleFunc(w.prefix, err)
}

func (w *_Watcher) markHealthy() {
	if w.stale {
		w.stale = false
		w.mirror.staleCount.Add(-1)
		w.mirror.options.logInfoFunc("recovered", "prefix", w.prefix, "failures", w.failures)
	}
	w.failures = 0
}
