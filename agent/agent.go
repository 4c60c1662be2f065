// Package agent keeps a service's registrations alive under a lease.
//
// A granted lease is renewed in the background. Failed renewals are reported
// on the Health channel instead of being retried silently, so the owner can
// decide to register again.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/registry"
)

const (
	StateUnleased State = iota
	StateActive
	StateExpired
	StateRevoked
)

type (
	State int

	// Health is one renewal signal. The zero Err with Expired unset means
	// the lease is being renewed again.
	Health struct {
		LeaseID   registry.LeaseID
		Misses    int
		Err       error
		Expired   bool
		Regranted bool
	}

	Agent struct {
		store   registry.Store
		options *_Options

		mutex      sync.Mutex
		state      State
		leaseID    registry.LeaseID
		ttl        time.Duration
		bound      map[string]string
		cancelFunc context.CancelFunc
		renewDone  chan struct{}

		healthChan chan Health
	}
)

func New(store registry.Store, opts ...Option) *Agent {
	return &Agent{
		store:      store,
		options:    newOptions(opts...),
		bound:      make(map[string]string),
		healthChan: make(chan Health, 1),
	}
}

func (s State) String() string {
	switch s {
	case StateUnleased:
		return "unleased"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (h Health) OK() bool {
	return h.Err == nil && !h.Expired
}

// Grant requests a lease of ttl and renews it every interval until it is
// revoked or expires.
func (a *Agent) Grant(ctx context.Context, ttl, interval time.Duration) (registry.LeaseID, error) {
	if interval <= 0 || interval >= ttl {
		return registry.NoLease, fmt.Errorf("%w: keepalive interval:%v must be in (0, ttl:%v)", discovery.ErrLease, interval, ttl)
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.state == StateActive {
		return registry.NoLease, fmt.Errorf("%w: lease:%v already active", discovery.ErrLease, a.leaseID)
	}
	id, err := a.store.Grant(ctx, ttl)
	if err != nil {
		return registry.NoLease, fmt.Errorf("%w: grant: %v", discovery.ErrLease, err)
	}
	renewCtx, cancelFunc := context.WithCancel(context.Background())
	a.state, a.leaseID, a.ttl = StateActive, id, ttl
	a.bound = make(map[string]string)
	a.cancelFunc = cancelFunc
	a.renewDone = make(chan struct{})
	go a.renew(renewCtx, a.renewDone, id, interval)
	a.options.logInfoFunc("grant", "lease", id, "ttl", ttl, "interval", interval)
	return id, nil
}

func (a *Agent) renew(ctx context.Context, done chan<- struct{}, id registry.LeaseID, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		timeoutCtx, cancelFunc := context.WithTimeout(ctx, interval)
		err := a.store.KeepAliveOnce(timeoutCtx, id)
		cancelFunc()
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			if misses >= a.options.maxMisses {
				a.options.logInfoFunc("renew recovered", "lease", id, "misses", misses)
				a.publish(Health{LeaseID: id})
			}
			misses = 0
		case errors.Is(err, registry.ErrLeaseNotFound):
			if !a.options.regrant {
				a.expire(id)
				return
			}
			newID, err := a.regrant(ctx, id)
			if err != nil {
				misses++
				a.options.logErrorFunc("regrant", "lease", id, "misses", misses, "err", err)
				a.publish(Health{LeaseID: id, Misses: misses, Err: err})
				continue
			}
			id, misses = newID, 0
			a.publish(Health{LeaseID: id, Regranted: true})
		default:
			misses++
			a.options.logErrorFunc("renew", "lease", id, "misses", misses, "err", err)
			if misses >= a.options.maxMisses {
				a.publish(Health{LeaseID: id, Misses: misses, Err: fmt.Errorf("%w: keepalive lease:%v: %v", discovery.ErrLease, id, err)})
			}
		}
	}
}

func (a *Agent) expire(id registry.LeaseID) {
	a.mutex.Lock()
	if a.state != StateActive || a.leaseID != id {
		a.mutex.Unlock()
		return
	}
	a.state = StateExpired
	a.bound = make(map[string]string)
	a.mutex.Unlock()
	a.options.logErrorFunc("expire", "lease", id)
	a.publish(Health{
		LeaseID: id,
		Err:     fmt.Errorf("%w: lease:%v: %w", discovery.ErrLease, id, registry.ErrLeaseNotFound),
		Expired: true,
	})
}

// regrant replaces an expired lease and writes the bound keys under the new
// one. The old lease stays current until that has fully succeeded.
func (a *Agent) regrant(ctx context.Context, old registry.LeaseID) (registry.LeaseID, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if ctx.Err() != nil || a.state != StateActive {
		return registry.NoLease, fmt.Errorf("%w: lease:%v no longer active", discovery.ErrLease, old)
	}
	timeoutCtx, cancelFunc := context.WithTimeout(ctx, discovery.Timeout)
	defer cancelFunc()
	id, err := a.store.Grant(timeoutCtx, a.ttl)
	if err != nil {
		return registry.NoLease, fmt.Errorf("%w: regrant: %v", discovery.ErrLease, err)
	}
	for key, value := range a.bound {
		if err := a.store.Put(timeoutCtx, key, value, id); err != nil {
			_ = a.store.Revoke(timeoutCtx, id)
			return registry.NoLease, fmt.Errorf("%w: regrant put key:%v: %v", discovery.ErrLease, key, err)
		}
	}
	a.leaseID = id
	a.options.logInfoFunc("regrant", "old", old, "lease", id, "keys", len(a.bound))
	return id, nil
}

// publish replaces an unread signal so the reader always sees the newest.
func (a *Agent) publish(health Health) {
	for {
		select {
		case a.healthChan <- health:
			return
		default:
		}
		select {
		case <-a.healthChan:
		default:
		}
	}
}

func (a *Agent) Health() <-chan Health {
	return a.healthChan
}

// Put writes key under the active lease, or unleased when there is none.
func (a *Agent) Put(ctx context.Context, key, value string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	lease := registry.NoLease
	if a.state == StateActive {
		lease = a.leaseID
	}
	if err := a.store.Put(ctx, key, value, lease); err != nil {
		if errors.Is(err, registry.ErrLeaseNotFound) {
			return fmt.Errorf("%w: put key:%v lease:%v: %w", discovery.ErrLease, key, lease, err)
		}
		return fmt.Errorf("put key:%v: %w", key, err)
	}
	if lease != registry.NoLease {
		a.bound[key] = value
	}
	a.options.logInfoFunc("put", "key", key, "value", value, "lease", lease)
	return nil
}

func (a *Agent) Delete(ctx context.Context, key string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete key:%v: %w", key, err)
	}
	delete(a.bound, key)
	a.options.logInfoFunc("delete", "key", key)
	return nil
}

// Revoke stops renewal and revokes the lease, which removes every key bound
// to it from the store.
func (a *Agent) Revoke(ctx context.Context) error {
	a.mutex.Lock()
	if a.state != StateActive {
		state := a.state
		a.mutex.Unlock()
		return fmt.Errorf("%w: no active lease, state:%v", discovery.ErrLease, state)
	}
	a.state = StateRevoked
	a.cancelFunc()
	renewDone := a.renewDone
	a.mutex.Unlock()
	<-renewDone

	a.mutex.Lock()
	id := a.leaseID
	a.bound = make(map[string]string)
	a.mutex.Unlock()
	if err := a.store.Revoke(ctx, id); err != nil && !errors.Is(err, registry.ErrLeaseNotFound) {
		return fmt.Errorf("%w: revoke lease:%v: %v", discovery.ErrLease, id, err)
	}
	a.options.logInfoFunc("revoke", "lease", id)
	return nil
}

func (a *Agent) State() State {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.state
}

// LeaseID is the current lease, which changes after a regrant.
func (a *Agent) LeaseID() registry.LeaseID {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.leaseID
}

// Close revokes the lease if it is still active.
func (a *Agent) Close(ctx context.Context) error {
	if a.State() != StateActive {
		return nil
	}
	return a.Revoke(ctx)
}
