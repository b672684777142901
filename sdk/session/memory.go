package session

import (
	"sort"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// MemoryStorage is an in-process localStorage shared by several tabs. A
// write made through one tab is reported to the watchers of every other
// tab, never to the writer.
type MemoryStorage struct {
	mu       sync.Mutex
	items    map[string]string
	watchers map[string]map[string]func(StorageEvent)
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:    map[string]string{},
		watchers: map[string]map[string]func(StorageEvent){},
	}
}

// Tab returns a handle on the shared storage with its own identity.
func (m *MemoryStorage) Tab() *MemoryTab {
	return &MemoryTab{storage: m, id: uuid.Must(uuid.NewV4()).String()}
}

func (m *MemoryStorage) notify(origin string, e StorageEvent) {
	m.mu.Lock()
	var targets []func(StorageEvent)
	for tab, fns := range m.watchers {
		if tab == origin {
			continue
		}
		for _, fn := range fns {
			targets = append(targets, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range targets {
		fn(e)
	}
}

type MemoryTab struct {
	storage *MemoryStorage
	id      string
}

func (t *MemoryTab) GetItem(key string) (string, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	value, ok := t.storage.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (t *MemoryTab) SetItem(key string, value string) error {
	t.storage.mu.Lock()
	t.storage.items[key] = value
	t.storage.mu.Unlock()
	t.storage.notify(t.id, StorageEvent{Key: key, NewValue: &value})
	return nil
}

func (t *MemoryTab) RemoveItem(key string) error {
	t.storage.mu.Lock()
	_, ok := t.storage.items[key]
	delete(t.storage.items, key)
	t.storage.mu.Unlock()
	if ok {
		t.storage.notify(t.id, StorageEvent{Key: key})
	}
	return nil
}

func (t *MemoryTab) Keys() ([]string, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	keys := make([]string, 0, len(t.storage.items))
	for k := range t.storage.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *MemoryTab) Watch(fn func(StorageEvent)) (func(), error) {
	id := uuid.Must(uuid.NewV4()).String()
	t.storage.mu.Lock()
	if t.storage.watchers[t.id] == nil {
		t.storage.watchers[t.id] = map[string]func(StorageEvent){}
	}
	t.storage.watchers[t.id][id] = fn
	t.storage.mu.Unlock()
	return func() {
		t.storage.mu.Lock()
		delete(t.storage.watchers[t.id], id)
		t.storage.mu.Unlock()
	}, nil
}

// MemoryCookies is a cookie slot kept in memory, honouring expiry dates.
type MemoryCookies struct {
	mu      sync.Mutex
	cookies map[string]memoryCookie
	now     func() time.Time
}

type memoryCookie struct {
	value   string
	expires time.Time
}

func NewMemoryCookies() *MemoryCookies {
	return &MemoryCookies{cookies: map[string]memoryCookie{}, now: time.Now}
}

func (m *MemoryCookies) SetCookie(name string, value string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies[name] = memoryCookie{value: value, expires: expires}
	return nil
}

func (m *MemoryCookies) GetCookie(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cookies[name]
	if !ok {
		return "", ErrNotFound
	}
	if !c.expires.IsZero() && !c.expires.After(m.now()) {
		delete(m.cookies, name)
		return "", ErrNotFound
	}
	return c.value, nil
}

func (m *MemoryCookies) DeleteCookie(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cookies, name)
	return nil
}
