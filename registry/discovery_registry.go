package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	EventTypePut    eventType = "put"
	EventTypeDelete eventType = "delete"

	NoLease LeaseID = 0
)

var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrCompacted     = errors.New("required revision has been compacted")
)

type (
	LeaseID   int64
	eventType string

	KV struct {
		Key         string
		Value       string
		Lease       LeaseID
		ModRevision int64
	}
	Event struct {
		Type eventType
		KV   KV
	}
	// WatchResponse carries events in store order. A response with Err set is
	// the last one its channel delivers.
	WatchResponse struct {
		Events          []*Event
		Revision        int64
		CompactRevision int64
		Err             error
	}
	WatchChan <-chan WatchResponse

	// Store is the coordination store contract the mirror and agent rely on.
	Store interface {
		// Get returns every key under prefix and the store revision it was
		// read at.
		Get(ctx context.Context, prefix string) ([]KV, int64, error)
		// Watch streams changes under prefix starting at fromRevision. It
		// returns once the watch is established; cancel ctx to release it.
		Watch(ctx context.Context, prefix string, fromRevision int64) (WatchChan, error)
		Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
		KeepAliveOnce(ctx context.Context, id LeaseID) error
		Revoke(ctx context.Context, id LeaseID) error
		Put(ctx context.Context, key, value string, lease LeaseID) error
		Delete(ctx context.Context, key string) error
		Close() error
	}

	Node struct {
		ServiceName string
		Addr        string
		InstanceID  string
	}
)

func (e *Event) String() string {
	return fmt.Sprintf("%v %v=%v@%v", e.Type, e.KV.Key, e.KV.Value, e.KV.ModRevision)
}

// Key encodes the node as prefix/serviceName/instanceID.
func (n *Node) Key(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + n.ServiceName + "/" + n.InstanceID
}

func DecodeNode(prefix string, kv KV) (*Node, error) {
	rest := strings.TrimPrefix(kv.Key, strings.TrimSuffix(prefix, "/"))
	if rest == kv.Key && prefix != "" {
		return nil, fmt.Errorf("key:%v outside prefix:%v", kv.Key, prefix)
	}
	split := strings.Split(rest, "/")
	if len(split) != 3 || split[0] != "" || split[1] == "" || split[2] == "" {
		return nil, fmt.Errorf("illegal key:%v", kv.Key)
	}
	return &Node{
		ServiceName: split[1],
		InstanceID:  split[2],
		Addr:        kv.Value,
	}, nil
}
