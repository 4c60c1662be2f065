package selector

import (
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/go-productive/discovery/pool"
	"github.com/spaolacci/murmur3"
)

type (
	_VirtualNode struct {
		hash uint32
		conn *pool.Conn
	}
	_ConsistHash []*_VirtualNode
)

func (c _ConsistHash) Len() int {
	return len(c)
}

func (c _ConsistHash) Less(i, j int) bool {
	return c[i].hash < c[j].hash
}

func (c _ConsistHash) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
}

// resetConsistHash places 128 virtual nodes per registration key. The seed
// is fixed so a key keeps its ring positions across rebuilds.
func (u *UniversalSelector) resetConsistHash() {
	const virtualNodeCount = 128
	u.consistHash = make(_ConsistHash, 0, len(u.conns)*virtualNodeCount)
	for _, conn := range u.conns {
		bs := make([]byte, 8+len(conn.Key))
		copy(bs[8:], conn.Key)
		random := rand.New(rand.NewSource(0))
		for i := 0; i < virtualNodeCount; i++ {
			binary.BigEndian.PutUint64(bs[:8], random.Uint64())
			u.consistHash = append(u.consistHash, &_VirtualNode{
				hash: murmur3.Sum32(bs),
				conn: conn,
			})
		}
	}
	sort.Sort(u.consistHash)
}

func (c _ConsistHash) get(hashKey string) *pool.Conn {
	if len(c) <= 0 {
		return nil
	}
	sum32 := murmur3.Sum32([]byte(hashKey))
	search := sort.Search(len(c), func(i int) bool {
		return c[i].hash > sum32
	})
	if search >= len(c) {
		search = 0
	}
	return c[search].conn
}
