// Package framecache holds decoded clip frames keyed by clip identity and
// rendition. Prefetch inserts never evict: a full cache rejects the insert and
// the caller treats that as backpressure.
package framecache

import (
	"container/list"
	"sync"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

// Cache is the part of the frame cache the prefetcher depends on
type Cache interface {
	// Has reports whether the rendition is cached
	Has(clipID string, key models.VariantKey) bool
	// TryInsert stores buf if it fits. It returns false when the cache is
	// full; existing entries are never evicted to make room.
	TryInsert(clipID string, key models.VariantKey, buf *models.FrameBuffer) bool
}

type entryKey struct {
	clipID string
	key    models.VariantKey
}

type entry struct {
	k    entryKey
	buf  *models.FrameBuffer
	size int64
}

// Memory is a bounded in-memory frame cache safe for concurrent use
type Memory struct {
	mu         sync.Mutex
	maxBytes   int64 // 0 = unlimited
	maxEntries int   // 0 = unlimited
	bytes      int64
	entries    map[entryKey]*list.Element
	lru        *list.List // front = most recently used
}

// NewMemory creates a cache limited to maxBytes and maxEntries (0 disables a limit)
func NewMemory(maxBytes int64, maxEntries int) *Memory {
	return &Memory{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		entries:    make(map[entryKey]*list.Element),
		lru:        list.New(),
	}
}

// Has reports whether the rendition is cached
func (m *Memory) Has(clipID string, key models.VariantKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[entryKey{clipID, key}]
	return ok
}

// TryInsert stores buf only if it fits within the limits
func (m *Memory) TryInsert(clipID string, key models.VariantKey, buf *models.FrameBuffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := entryKey{clipID, key}
	if el, ok := m.entries[k]; ok {
		m.lru.MoveToFront(el)
		return true
	}

	size := buf.SizeBytes()
	if !m.fits(size) {
		return false
	}
	m.add(k, buf, size)
	return true
}

// Put stores buf for the foreground decode path, evicting least recently
// used frames until it fits. It returns false if buf alone exceeds the budget.
func (m *Memory) Put(clipID string, key models.VariantKey, buf *models.FrameBuffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := entryKey{clipID, key}
	if el, ok := m.entries[k]; ok {
		m.remove(el)
	}

	size := buf.SizeBytes()
	if m.maxBytes > 0 && size > m.maxBytes {
		return false
	}
	for !m.fits(size) {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.remove(oldest)
	}
	m.add(k, buf, size)
	return true
}

// Get returns a cached frame and marks it recently used
func (m *Memory) Get(clipID string, key models.VariantKey) (*models.FrameBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[entryKey{clipID, key}]
	if !ok {
		return nil, false
	}
	m.lru.MoveToFront(el)
	return el.Value.(*entry).buf, true
}

// Frames returns the cached frame numbers of a clip for one rendition, unordered
func (m *Memory) Frames(clipID string, size models.RenderSize, flag models.RenderFlag) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := make([]int, 0)
	for k := range m.entries {
		if k.clipID == clipID && k.key.Size == size && k.key.Flag == flag {
			frames = append(frames, k.key.Frame)
		}
	}
	return frames
}

// DropClip removes every frame of a clip, e.g. when the clip is reloaded or freed
func (m *Memory) DropClip(clipID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for k, el := range m.entries {
		if k.clipID == clipID {
			m.remove(el)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached frames
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Bytes returns the accounted size of all cached frames
func (m *Memory) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

func (m *Memory) fits(size int64) bool {
	if m.maxEntries > 0 && len(m.entries)+1 > m.maxEntries {
		return false
	}
	if m.maxBytes > 0 && m.bytes+size > m.maxBytes {
		return false
	}
	return true
}

func (m *Memory) add(k entryKey, buf *models.FrameBuffer, size int64) {
	el := m.lru.PushFront(&entry{k: k, buf: buf, size: size})
	m.entries[k] = el
	m.bytes += size
}

func (m *Memory) remove(el *list.Element) {
	e := m.lru.Remove(el).(*entry)
	delete(m.entries, e.k)
	m.bytes -= e.size
}
