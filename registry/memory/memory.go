// Package memory is an in-process registry.Store. It keeps revisions, prefix
// watches and TTL leases with the same semantics the etcd store exposes, and
// lets callers inject outages, broken streams and compaction.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-productive/discovery/registry"
)

var (
	ErrClosed = errors.New("store closed")
)

type (
	Store struct {
		mu          sync.Mutex
		revision    int64
		compacted   int64
		kvs         map[string]registry.KV
		history     []*registry.Event
		leases      map[registry.LeaseID]*_Lease
		lastLease   registry.LeaseID
		watchers    map[*_Watcher]struct{}
		unavailable error
		closed      bool
	}
	_Lease struct {
		ttl   time.Duration
		timer *time.Timer
		keys  map[string]struct{}
	}
	_Watcher struct {
		prefix string
		out    chan registry.WatchResponse
		notify chan struct{}

		mu       sync.Mutex
		pending  []*registry.Event
		revision int64
		err      error
	}
)

func New() *Store {
	return &Store{
		kvs:      make(map[string]registry.KV),
		leases:   make(map[registry.LeaseID]*_Lease),
		watchers: make(map[*_Watcher]struct{}),
	}
}

func (s *Store) Get(ctx context.Context, prefix string) ([]registry.KV, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, 0, err
	}
	kvs := make([]registry.KV, 0, len(s.kvs))
	for key, kv := range s.kvs {
		if strings.HasPrefix(key, prefix) {
			kvs = append(kvs, kv)
		}
	}
	sort.Slice(kvs, func(i, j int) bool {
		return kvs[i].Key < kvs[j].Key
	})
	return kvs, s.revision, nil
}

func (s *Store) Watch(ctx context.Context, prefix string, fromRevision int64) (registry.WatchChan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	if fromRevision > 0 && fromRevision < s.compacted {
		// etcd creates the watch and then cancels it with the compact revision.
		out := make(chan registry.WatchResponse, 1)
		out <- registry.WatchResponse{
			Revision:        s.revision,
			CompactRevision: s.compacted,
			Err:             fmt.Errorf("%w: from:%v compacted:%v", registry.ErrCompacted, fromRevision, s.compacted),
		}
		close(out)
		return out, nil
	}
	w := &_Watcher{
		prefix:   prefix,
		out:      make(chan registry.WatchResponse, 1),
		notify:   make(chan struct{}, 1),
		revision: s.revision,
	}
	if fromRevision > 0 {
		for _, event := range s.history {
			if event.KV.ModRevision >= fromRevision && strings.HasPrefix(event.KV.Key, prefix) {
				w.pending = append(w.pending, event)
			}
		}
		if len(w.pending) > 0 {
			w.wake()
		}
	}
	s.watchers[w] = struct{}{}
	go s.pump(ctx, w)
	return w.out, nil
}

func (s *Store) pump(ctx context.Context, w *_Watcher) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		close(w.out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}
		w.mu.Lock()
		events, revision, err := w.pending, w.revision, w.err
		w.pending = nil
		w.mu.Unlock()
		if len(events) > 0 {
			select {
			case <-ctx.Done():
				return
			case w.out <- registry.WatchResponse{Events: events, Revision: revision}:
			}
		}
		if err != nil {
			select {
			case <-ctx.Done():
			case w.out <- registry.WatchResponse{Revision: revision, Err: err}:
			}
			return
		}
	}
}

func (w *_Watcher) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *_Watcher) push(events []*registry.Event, revision int64) {
	w.mu.Lock()
	for _, event := range events {
		if strings.HasPrefix(event.KV.Key, w.prefix) {
			w.pending = append(w.pending, event)
		}
	}
	w.revision = revision
	w.mu.Unlock()
	w.wake()
}

func (w *_Watcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.wake()
}

func (s *Store) Grant(ctx context.Context, ttl time.Duration) (registry.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return registry.NoLease, err
	}
	if ttl <= 0 {
		return registry.NoLease, fmt.Errorf("illegal ttl:%v", ttl)
	}
	s.lastLease++
	id := s.lastLease
	s.leases[id] = &_Lease{
		ttl:   ttl,
		timer: time.AfterFunc(ttl, func() { s.expire(id) }),
		keys:  make(map[string]struct{}),
	}
	return id, nil
}

func (s *Store) KeepAliveOnce(ctx context.Context, id registry.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	lease, ok := s.leases[id]
	if !ok {
		return registry.ErrLeaseNotFound
	}
	lease.timer.Reset(lease.ttl)
	return nil
}

func (s *Store) Revoke(ctx context.Context, id registry.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.leases[id]; !ok {
		return registry.ErrLeaseNotFound
	}
	s.dropLeaseLocked(id)
	return nil
}

func (s *Store) expire(id registry.LeaseID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[id]; ok {
		s.dropLeaseLocked(id)
	}
}

func (s *Store) dropLeaseLocked(id registry.LeaseID) {
	lease := s.leases[id]
	lease.timer.Stop()
	delete(s.leases, id)
	keys := make([]string, 0, len(lease.keys))
	for key := range lease.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.deleteLocked(keys...)
}

func (s *Store) Put(ctx context.Context, key, value string, lease registry.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	if key == "" {
		return errors.New("key is not provided")
	}
	if lease != registry.NoLease {
		if _, ok := s.leases[lease]; !ok {
			return registry.ErrLeaseNotFound
		}
	}
	if old, ok := s.kvs[key]; ok && old.Lease != registry.NoLease {
		if l, ok := s.leases[old.Lease]; ok {
			delete(l.keys, key)
		}
	}
	s.revision++
	kv := registry.KV{Key: key, Value: value, Lease: lease, ModRevision: s.revision}
	s.kvs[key] = kv
	if lease != registry.NoLease {
		s.leases[lease].keys[key] = struct{}{}
	}
	s.publishLocked(&registry.Event{Type: registry.EventTypePut, KV: kv})
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	s.deleteLocked(key)
	return nil
}

// deleteLocked removes every existing key at a single new revision.
func (s *Store) deleteLocked(keys ...string) {
	events := make([]*registry.Event, 0, len(keys))
	for _, key := range keys {
		old, ok := s.kvs[key]
		if !ok {
			continue
		}
		if len(events) == 0 {
			s.revision++
		}
		delete(s.kvs, key)
		if l, ok := s.leases[old.Lease]; ok {
			delete(l.keys, key)
		}
		events = append(events, &registry.Event{
			Type: registry.EventTypeDelete,
			KV:   registry.KV{Key: key, ModRevision: s.revision},
		})
	}
	s.publishLocked(events...)
}

func (s *Store) publishLocked(events ...*registry.Event) {
	if len(events) == 0 {
		return
	}
	s.history = append(s.history, events...)
	for w := range s.watchers {
		w.push(events, s.revision)
	}
}

func (s *Store) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return s.unavailable
}

// SetUnavailable makes every call fail with err until called with nil.
// Lease timers keep running, as they would on a partitioned server.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

// BreakWatches terminates every open watch stream with err.
func (s *Store) BreakWatches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.fail(err)
		delete(s.watchers, w)
	}
}

// Compact discards history before revision. Watching from revision itself
// still works.
func (s *Store) Compact(revision int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision > s.revision {
		revision = s.revision
	}
	s.compacted = revision
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].KV.ModRevision >= revision
	})
	s.history = append([]*registry.Event(nil), s.history[i:]...)
}

func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kvs)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, lease := range s.leases {
		lease.timer.Stop()
		delete(s.leases, id)
	}
	for w := range s.watchers {
		w.fail(ErrClosed)
		delete(s.watchers, w)
	}
	return nil
}
