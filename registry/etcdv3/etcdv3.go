package etcdv3

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/registry"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type (
	Store struct {
		client  *clientv3.Client
		options *_Options
	}
)

// New connects to etcd. The dial blocks for at most the dial timeout so an
// unreachable cluster is reported here, wrapped in discovery.ErrConnect.
func New(endpoints []string, opts ...Option) (*Store, error) {
	options := newOptions(opts)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: options.dialTimeout,
		DialOptions: options.dialOptions,
		Username:    options.username,
		Password:    options.password,
		Logger:      options.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: endpoints:%v: %v", discovery.ErrConnect, endpoints, err)
	}
	if err := probe(client, endpoints, options.dialTimeout); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: endpoints:%v: %v", discovery.ErrConnect, endpoints, err)
	}
	return NewWithClient(client, opts...), nil
}

// probe succeeds as soon as one endpoint answers a status request.
func probe(client *clientv3.Client, endpoints []string, timeout time.Duration) error {
	timeoutCtx, cancelFunc := context.WithTimeout(context.TODO(), timeout)
	defer cancelFunc()
	err := errors.New("no endpoints")
	for _, endpoint := range endpoints {
		if _, err = client.Status(timeoutCtx, endpoint); err == nil {
			return nil
		}
	}
	return err
}

func NewWithClient(client *clientv3.Client, opts ...Option) *Store {
	return &Store{
		client:  client,
		options: newOptions(opts),
	}
}

func (s *Store) Client() *clientv3.Client {
	return s.client
}

func (s *Store) Get(ctx context.Context, prefix string) ([]registry.KV, int64, error) {
	rsp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	kvs := make([]registry.KV, 0, len(rsp.Kvs))
	for _, kv := range rsp.Kvs {
		kvs = append(kvs, registry.KV{
			Key:         string(kv.Key),
			Value:       string(kv.Value),
			Lease:       registry.LeaseID(kv.Lease),
			ModRevision: kv.ModRevision,
		})
	}
	return kvs, rsp.Header.Revision, nil
}

func (s *Store) Watch(ctx context.Context, prefix string, fromRevision int64) (registry.WatchChan, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithCreatedNotify()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}
	watchCtx, cancelFunc := context.WithCancel(clientv3.WithRequireLeader(ctx))
	watchChan := s.client.Watch(watchCtx, prefix, opts...)

	timer := time.NewTimer(s.options.dialTimeout)
	defer timer.Stop()
	select {
	case created, ok := <-watchChan:
		if !ok {
			cancelFunc()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("watch closed before creation")
		}
		if rsp := toWatchResponse(&created); rsp.Err != nil {
			cancelFunc()
			return nil, rsp.Err
		}
	case <-timer.C:
		cancelFunc()
		return nil, fmt.Errorf("watch prefix:%v not created within %v", prefix, s.options.dialTimeout)
	}

	eventChan := make(chan registry.WatchResponse, 1)
	go func() {
		defer close(eventChan)
		defer cancelFunc()
		for watchRsp := range watchChan {
			rsp := toWatchResponse(&watchRsp)
			if rsp.Err != nil {
				s.options.logErrorFunc("watch", "prefix", prefix, "err", rsp.Err)
			}
			select {
			case <-watchCtx.Done():
				return
			case eventChan <- rsp:
			}
			if rsp.Err != nil {
				return
			}
		}
	}()
	return eventChan, nil
}

func toWatchResponse(watchRsp *clientv3.WatchResponse) registry.WatchResponse {
	rsp := registry.WatchResponse{
		Revision:        watchRsp.Header.Revision,
		CompactRevision: watchRsp.CompactRevision,
	}
	if err := watchRsp.Err(); err != nil {
		if watchRsp.CompactRevision != 0 {
			err = fmt.Errorf("%w: compact revision:%v", registry.ErrCompacted, watchRsp.CompactRevision)
		}
		rsp.Err = err
		return rsp
	}
	rsp.Events = make([]*registry.Event, 0, len(watchRsp.Events))
	for _, etcdEvent := range watchRsp.Events {
		rsp.Events = append(rsp.Events, toEvent(etcdEvent))
	}
	return rsp
}

func toEvent(etcdEvent *clientv3.Event) *registry.Event {
	event := &registry.Event{
		KV: registry.KV{
			Key:         string(etcdEvent.Kv.Key),
			Value:       string(etcdEvent.Kv.Value),
			Lease:       registry.LeaseID(etcdEvent.Kv.Lease),
			ModRevision: etcdEvent.Kv.ModRevision,
		},
	}
	switch etcdEvent.Type {
	case clientv3.EventTypePut:
		event.Type = registry.EventTypePut
	case clientv3.EventTypeDelete:
		event.Type = registry.EventTypeDelete
	}
	return event
}

// Grant rounds ttl up to whole seconds, the granularity etcd leases have.
func (s *Store) Grant(ctx context.Context, ttl time.Duration) (registry.LeaseID, error) {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	grantRsp, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return registry.NoLease, err
	}
	return registry.LeaseID(grantRsp.ID), nil
}

func (s *Store) KeepAliveOnce(ctx context.Context, id registry.LeaseID) error {
	_, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(id))
	return leaseErr(err)
}

func (s *Store) Revoke(ctx context.Context, id registry.LeaseID) error {
	_, err := s.client.Revoke(ctx, clientv3.LeaseID(id))
	return leaseErr(err)
}

func (s *Store) Put(ctx context.Context, key, value string, lease registry.LeaseID) error {
	var opts []clientv3.OpOption
	if lease != registry.NoLease {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	_, err := s.client.Put(ctx, key, value, opts...)
	return leaseErr(err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, key)
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}

func leaseErr(err error) error {
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("%w: %v", registry.ErrLeaseNotFound, err)
	}
	return err
}
