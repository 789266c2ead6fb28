package cache

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	url  string
	resp *CachedResponse
	prev *entry
	next *entry
}

// InMemoryStore keeps entries until they are deleted. With a positive
// maxEntries it becomes an LRU and the least recently matched entry is
// evicted once the cap is exceeded.
type InMemoryStore struct {
	mu         sync.Mutex
	name       string
	items      map[string]*entry
	head       *entry
	tail       *entry
	maxEntries int
	dropped    bool
}

// NewInMemoryStore returns an empty store. maxEntries <= 0 means unbounded.
func NewInMemoryStore(name string, maxEntries int) *InMemoryStore {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &InMemoryStore{
		name:       name,
		items:      make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

func (c *InMemoryStore) Name() string {
	return c.name
}

func (c *InMemoryStore) Match(ctx context.Context, url string) (*CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[url]
	if !ok {
		return nil, false, nil
	}
	c.moveToFront(e)

	return e.resp.Clone(), true, nil
}

func (c *InMemoryStore) Put(ctx context.Context, url string, resp *CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrStoreNotFound
	}

	if e, ok := c.items[url]; ok {
		e.resp = resp.Clone()
		c.moveToFront(e)
		return nil
	}

	e := &entry{
		url:  url,
		resp: resp.Clone(),
	}
	c.items[url] = e
	c.addToFront(e)

	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		c.evictOldest()
	}
	return nil
}

func (c *InMemoryStore) Delete(ctx context.Context, url string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[url]
	if !ok {
		return false, nil
	}
	c.remove(e)
	delete(c.items, url)
	return true, nil
}

func (c *InMemoryStore) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *InMemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// drop empties the store and rejects further writes through handles that
// were opened before the store was deleted.
func (c *InMemoryStore) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	c.items = make(map[string]*entry)
	c.head = nil
	c.tail = nil
}

func (c *InMemoryStore) addToFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *InMemoryStore) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *InMemoryStore) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *InMemoryStore) evictOldest() {
	if c.tail == nil {
		return
	}
	oldest := c.tail
	c.remove(oldest)
	delete(c.items, oldest.url)
}

// InMemoryStorage keeps named InMemoryStores for the life of the process.
type InMemoryStorage struct {
	mu         sync.Mutex
	stores     map[string]*InMemoryStore
	maxEntries int
}

func NewInMemoryStorage(maxEntries int) *InMemoryStorage {
	return &InMemoryStorage{
		stores:     make(map[string]*InMemoryStore),
		maxEntries: maxEntries,
	}
}

func (s *InMemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[name]
	if !ok {
		st = NewInMemoryStore(name, s.maxEntries)
		s.stores[name] = st
	}
	return st, nil
}

func (s *InMemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *InMemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *InMemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	st, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	st.drop()
	return true, nil
}
