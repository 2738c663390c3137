package registry

import (
	"container/list"
	"sync"

	"github.com/google/uuid"

	"github.com/opaque/securesearch/pkg/lsh"
)

// planeCache is a bounded LRU over deserialized plane sets. Planes are
// immutable for the lifetime of a client; entries are invalidated on
// deactivation, on an empty-client reconfiguration, and when a re-initialize
// refreshes the public key or num_candidates.
type planeCache struct {
	cap   int
	mu    sync.Mutex
	order *list.List
	items map[uuid.UUID]*list.Element
}

type planeEntry struct {
	clientID uuid.UUID
	planes   *lsh.Planes
}

func newPlaneCache(cap int) *planeCache {
	if cap < 1 {
		cap = 1
	}
	return &planeCache{
		cap:   cap,
		order: list.New(),
		items: make(map[uuid.UUID]*list.Element),
	}
}

func (c *planeCache) get(clientID uuid.UUID) (*lsh.Planes, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[clientID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*planeEntry).planes, true
}

func (c *planeCache) put(clientID uuid.UUID, p *lsh.Planes) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[clientID]; ok {
		el.Value.(*planeEntry).planes = p
		c.order.MoveToFront(el)
		return
	}

	c.items[clientID] = c.order.PushFront(&planeEntry{clientID: clientID, planes: p})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*planeEntry).clientID)
	}
}

func (c *planeCache) invalidate(clientID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[clientID]; ok {
		c.order.Remove(el)
		delete(c.items, clientID)
	}
}
