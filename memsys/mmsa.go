package memsys

import (
	"sync"

	"github.com/railtrdp/trdpgo/cmn/cos"
	"github.com/railtrdp/trdpgo/cmn/nlog"
	"github.com/railtrdp/trdpgo/errs"
)

// Block is an allocated region. Its class is set to -1 on Free so a
// second Free of the same Block is detectable.
type Block struct {
	class int    // size class index; -1 once freed
	buf   []byte // payload view, len == requested size, cap == class size
}

func (b *Block) Bytes() []byte { return b.buf }

// PreFrag describes, per size class index, how many blocks to carve and
// immediately free at Init time so the arena starts out segmented rather
// than as one untouched extent.
type PreFrag map[int]int

// Stats is the point-in-time snapshot returned by MMSA.Stats.
type Stats struct {
	Total        int64
	Free         int64
	MinFreeEver  int64
	AllocCount   int64
	AllocErrors  int64
	FreeErrors   int64
	PerClass     []int64 // live (outstanding) allocations per class
}

// MMSA is the block allocator: a fixed-size-class pool carved from a
// single arena (or, when Size==0, delegated to the heap), thread-safe
// under a single mutex held across the fast path.
type MMSA struct {
	Name string
	Size int64 // arena size in bytes; 0 = heap-backed

	Classes []int64 // pre-configurable size-class ladder; defaults to DefaultClasses

	mu       sync.Mutex
	arena    []byte
	cursor   int64
	freeList [][]*Block // per-class free list
	live     []int64    // per-class outstanding count

	total       int64
	free        int64
	minFreeEver int64
	allocCount  int64
	allocErrors int64
	freeErrors  int64
}

// Init prepares the arena and, if pf is non-empty, pre-fragments it: if
// the requested pre-fragmentation would consume more than half the
// arena, it is silently disabled.
func (m *MMSA) Init(pf PreFrag) {
	if len(m.Classes) == 0 {
		m.Classes = DefaultClasses
	}
	m.freeList = make([][]*Block, len(m.Classes))
	m.live = make([]int64, len(m.Classes))

	if m.Size > 0 {
		m.arena = make([]byte, m.Size)
		m.total, m.free, m.minFreeEver = m.Size, m.Size, m.Size
	}

	if len(pf) == 0 {
		return
	}
	var want int64
	for ci, n := range pf {
		if ci < 0 || ci >= len(m.Classes) {
			continue
		}
		want += m.Classes[ci] * int64(n)
	}
	if m.Size > 0 && want*2 > m.Size {
		nlog.Warningf("memsys %s: pre-fragmentation request %d exceeds half of arena %d, disabled", m.Name, want, m.Size)
		return
	}
	for ci, n := range pf {
		if ci < 0 || ci >= len(m.Classes) {
			continue
		}
		for i := 0; i < n; i++ {
			b, err := m.allocClass(ci)
			if err != nil {
				return
			}
			m.free2(b)
		}
	}
}

// Alloc rounds size up to the smallest fitting class and returns a
// zero-filled block strictly >= size, or nil with errs.MEM_ERR if size
// exceeds the largest class or the arena is exhausted.
func (m *MMSA) Alloc(size int64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci := classFor(m.Classes, size)
	if ci < 0 {
		m.allocErrors++
		return nil, errs.New(errs.MEM_ERR, "requested size %d exceeds largest class %d", size, m.Classes[len(m.Classes)-1])
	}
	b, err := m.allocClassLocked(ci, size)
	if err != nil {
		m.allocErrors++
		return nil, err
	}
	m.allocCount++
	return b, nil
}

// allocClass allocates (without zeroing request size tracking) purely to
// populate the free list during pre-fragmentation; it holds no lock of
// its own - callers during Init run single-threaded.
func (m *MMSA) allocClass(ci int) (*Block, error) { return m.allocClassLocked(ci, m.Classes[ci]) }

func (m *MMSA) allocClassLocked(ci int, reqSize int64) (*Block, error) {
	classSize := m.Classes[ci]
	if fl := m.freeList[ci]; len(fl) > 0 {
		b := fl[len(fl)-1]
		m.freeList[ci] = fl[:len(fl)-1]
		b.class = ci
		b.buf = b.buf[:reqSize]
		for i := range b.buf {
			b.buf[i] = 0
		}
		m.live[ci]++
		if m.Size > 0 {
			m.free -= classSize
			m.minFreeEver = cos.MinI64(m.minFreeEver, m.free)
		}
		return b, nil
	}
	// need fresh space
	var payload []byte
	if m.Size > 0 {
		if m.cursor+classSize > m.Size {
			return nil, errs.New(errs.MEM_ERR, "arena exhausted: class %d bytes, %d free", classSize, m.Size-m.cursor)
		}
		payload = m.arena[m.cursor : m.cursor+classSize]
		m.cursor += classSize
		m.free -= classSize
		m.minFreeEver = cos.MinI64(m.minFreeEver, m.free)
	} else {
		payload = make([]byte, classSize)
	}
	m.live[ci]++
	return &Block{class: ci, buf: payload[:reqSize]}, nil
}

// Free returns b to its class's free list. Unknown blocks (nil, or
// already-freed per a class field of -1) are logged and ignored
// rather than corrupting the allocator.
func (m *MMSA) Free(b *Block) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.class < 0 {
		m.freeErrors++
		nlog.Errorf("memsys %s: double free detected, ignoring", m.Name)
		return
	}
	m.free2(b)
}

// free2 performs the actual return-to-freelist; called both by Free
// (locked) and by Init's pre-fragmentation (single-threaded, no lock
// needed but harmless to share the path).
func (m *MMSA) free2(b *Block) {
	ci := b.class
	classSize := m.Classes[ci]
	b.buf = b.buf[:0:classSize]
	b.class = -1
	m.freeList[ci] = append(m.freeList[ci], b)
	m.live[ci]--
	if m.Size > 0 {
		m.free += classSize
	}
}

// Stats returns a point-in-time snapshot.
func (m *MMSA) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	perClass := make([]int64, len(m.live))
	copy(perClass, m.live)
	return Stats{
		Total:       m.total,
		Free:        m.free,
		MinFreeEver: m.minFreeEver,
		AllocCount:  m.allocCount,
		AllocErrors: m.allocErrors,
		FreeErrors:  m.freeErrors,
		PerClass:    perClass,
	}
}
