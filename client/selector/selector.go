package selector

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/go-productive/discovery/pool"
)

type (
	Selector interface {
		OnEvent(event pool.Event)
		Select(ctx context.Context) *pool.Conn
		Conns() []*pool.Conn
	}
	UniversalSelector struct {
		sequence uint64

		rwMutex     sync.RWMutex
		conns       []*pool.Conn
		consistHash _ConsistHash
	}
)

func (u *UniversalSelector) addConn(addConn *pool.Conn) {
	cp := make([]*pool.Conn, 0, len(u.conns)+1)
	for _, conn := range u.conns {
		if conn.Key != addConn.Key {
			cp = append(cp, conn)
		}
	}
	cp = append(cp, addConn)
	u.conns = cp
}

func (u *UniversalSelector) remConn(key string) {
	cp := make([]*pool.Conn, 0, len(u.conns))
	for _, conn := range u.conns {
		if conn.Key != key {
			cp = append(cp, conn)
		}
	}
	u.conns = cp
}

func (u *UniversalSelector) OnEvent(event pool.Event) {
	u.rwMutex.Lock()
	defer u.rwMutex.Unlock()
	switch event.Type {
	case pool.EventTypeInsert:
		u.addConn(event.Conn)
	case pool.EventTypeRemove:
		u.remConn(event.Key)
	}
	u.resetConsistHash()
}

func (u *UniversalSelector) Select(ctx context.Context) *pool.Conn {
	u.rwMutex.RLock()
	defer u.rwMutex.RUnlock()
	if len(u.conns) <= 0 {
		return nil
	}
	if key, ok := ctx.Value(specifyKey{}).(string); ok {
		for _, conn := range u.conns {
			if conn.Key == key {
				return conn
			}
		}
		return nil
	}
	if addr, ok := ctx.Value(specifyAddr{}).(string); ok {
		for _, conn := range u.conns {
			if conn.Addr == addr {
				return conn
			}
		}
		return nil
	}
	hashKey := ctx.Value(consistHash{})
	switch {
	case hashKey != nil:
		return u.consistHash.get(hashKey.(string))
	case ctx.Value(roundRobin{}) != nil:
		return u.conns[atomic.AddUint64(&u.sequence, 1)%uint64(len(u.conns))]
	default:
		return u.conns[rand.Intn(len(u.conns))]
	}
}

// Conns returns the current members. The slice is never mutated in place.
func (u *UniversalSelector) Conns() []*pool.Conn {
	u.rwMutex.RLock()
	defer u.rwMutex.RUnlock()
	return u.conns
}
