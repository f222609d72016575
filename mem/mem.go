// Package mem implements the physical frame allocator: a reference-counted
// table of 4 KiB frames, each carrying an origin remote reference and a
// per-node "shared" bitmask, plus the canonical all-zero frame that every
// demand-zero PTE maps before it is first written.
//
// Frames here are plain Go-managed memory, not real paging hardware: a
// Pa_t is an index into the frame table, and Dmap returns a slice directly
// over the frame's backing array, reasoning at the level of a page-map
// root rather than x86 register encodings -- grounded on biscuit's
// mem.Physmem_t / mem.Dmap, with the CPUID/1GB-page/identity-map hardware
// logic dropped.
package mem

import (
	"sync"
	"sync/atomic"

	"distkernel/defs"
)

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
	PGOFFSET = PGSIZE - 1
	PGMASK  = ^uintptr(PGOFFSET)
)

// Pa_t identifies a physical frame by its slot in the frame table. It is
// not a real machine address; it is the arena index biscuit calls a
// physical address for frames that never leave the local node.
type Pa_t uint32

// RR is a 64-bit remote reference: high byte is the owning node number
// (1..N), middle bits a frame index on that node, low bits nominal
// permission bits. A zero RR with only the remote-valid bit and
// permissions set denotes the all-zero page on any node.
type RR uint64

const (
	rrNodeShift = 56
	rrPermMask  = 0xff
	rrAddrShift = 8
	rrAddrMask  = (uint64(1) << (rrNodeShift - rrAddrShift)) - 1

	// RRRemoteBit marks an RR that denotes the canonical zero page rather
	// than a cached frame, distinguishing "zero on every node" from "not
	// yet resolved".
	RRRemoteBit = uint64(1) << 63
)

func MakeRR(node int, pa Pa_t, perm uint8) RR {
	return RR(uint64(node&0xff)<<rrNodeShift | (uint64(pa)&rrAddrMask)<<rrAddrShift | uint64(perm))
}

func ZeroRR(perm uint8) RR {
	return RR(RRRemoteBit | uint64(perm))
}

func (r RR) Node() int    { return int(uint64(r) >> rrNodeShift) }
func (r RR) Addr() Pa_t   { return Pa_t((uint64(r) >> rrAddrShift) & rrAddrMask) }
func (r RR) Perm() uint8  { return uint8(uint64(r) & rrPermMask) }
func (r RR) IsZero() bool { return uint64(r)&^uint64(rrPermMask) == RRRemoteBit }
func (r RR) Valid() bool  { return r != 0 }

// Physpg_t is one entry of the frame table.
type Physpg_t struct {
	Refcnt int32  // atomic; 0 on the free list, and for a frame kept off it because Shared != 0
	Origin RR     // zero if the frame originated on this node
	Shared uint64 // bit N-1 set once node N has ever received a copy
	nexti  uint32 // free-list link, valid only while Refcnt == 0
	Data   [PGSIZE]byte
	Table  *PTable // non-nil iff this frame holds a page-table level
}

// Physmem_t is the frame table: a flat slice of frames plus a free-list
// head, protected by one mutex standing in for the original kernel's
// spinlock.
type Physmem_t struct {
	sync.Mutex
	Pgs     []Physpg_t
	freei   uint32
	freelen uint32
	hasfree bool

	Zero Pa_t // the canonical all-zero frame; never freed, never writable
}

// NewPhysmem allocates an n-frame table and carves out the canonical zero
// frame as frame 0.
func NewPhysmem(n int) *Physmem_t {
	pm := &Physmem_t{Pgs: make([]Physpg_t, n)}
	for i := range pm.Pgs {
		pm.Pgs[i].nexti = uint32(i) + 1
	}
	pm.Pgs[n-1].nexti = ^uint32(0)
	pm.freei = 0
	pm.hasfree = true
	pm.freelen = uint32(n)

	zero, err := pm.allocLocked()
	if err != 0 {
		panic("no memory for zero page")
	}
	pm.Zero = zero
	pm.Pgs[zero].Refcnt = 1 << 30 // pinned: never reaches zero via Refdown
	return pm
}

func (pm *Physmem_t) allocLocked() (Pa_t, defs.Err_t) {
	if !pm.hasfree {
		return 0, -defs.ENOMEM
	}
	i := pm.freei
	pg := &pm.Pgs[i]
	if pg.nexti == ^uint32(0) {
		pm.hasfree = false
	} else {
		pm.freei = pg.nexti
	}
	pm.freelen--
	pg.Refcnt = 1
	pg.Origin = 0
	pg.Shared = 0
	pg.Data = [PGSIZE]byte{}
	pg.Table = nil
	return Pa_t(i), 0
}

// Alloc hands out a fresh, zeroed frame with refcount 1.
func (pm *Physmem_t) Alloc() (Pa_t, defs.Err_t) {
	pm.Lock()
	defer pm.Unlock()
	return pm.allocLocked()
}

// Dmap returns the frame's backing bytes directly -- the direct-map
// analogue of biscuit's mem.Dmap, minus the physical-to-virtual hardware
// translation since there is no real address space to translate into.
func (pm *Physmem_t) Dmap(pa Pa_t) *[PGSIZE]byte {
	return &pm.Pgs[pa].Data
}

func (pm *Physmem_t) Refcnt(pa Pa_t) int32 {
	return atomic.LoadInt32(&pm.Pgs[pa].Refcnt)
}

// Refup increments a frame's reference count. Called whenever a new PTE is
// installed to reference an already-live frame (COW share, subtable copy
// fan-out, pull-cache hit).
func (pm *Physmem_t) Refup(pa Pa_t) {
	atomic.AddInt32(&pm.Pgs[pa].Refcnt, 1)
}

// Refdown decrements a frame's reference count and frees it once it both
// reaches zero and carries no outstanding shared-bitmask bit: a frame ever
// sent to a peer is never locally reclaimed.
func (pm *Physmem_t) Refdown(pa Pa_t) {
	if pa == pm.Zero {
		// The canonical zero frame's refcount is pinned and does not track
		// individual zero-mappings; dropping a reference to it is a no-op
		// (the zero frame is never freed).
		return
	}
	left := atomic.AddInt32(&pm.Pgs[pa].Refcnt, -1)
	if left < 0 {
		panic("refcount underflow")
	}
	if left != 0 {
		return
	}
	pm.Lock()
	defer pm.Unlock()
	if pm.Pgs[pa].Shared != 0 {
		return
	}
	pm.freeLocked(pa)
}

func (pm *Physmem_t) freeLocked(pa Pa_t) {
	pg := &pm.Pgs[pa]
	if pm.hasfree {
		pg.nexti = pm.freei
	} else {
		pg.nexti = ^uint32(0)
	}
	pm.freei = uint32(pa)
	pm.hasfree = true
	pm.freelen++
}

// MarkShared records that frame pa has been transmitted to node (1..N).
// The bitmask only ever grows; nothing clears it once a node has received
// the frame, since a later release protocol is left unimplemented.
func (pm *Physmem_t) MarkShared(pa Pa_t, node int) {
	bit := uint64(1) << uint(node-1)
	p := &pm.Pgs[pa].Shared
	for {
		old := atomic.LoadUint64(p)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(p, old, old|bit) {
			return
		}
	}
}

func (pm *Physmem_t) IsShared(pa Pa_t) bool {
	return atomic.LoadUint64(&pm.Pgs[pa].Shared) != 0
}

func (pm *Physmem_t) SetOrigin(pa Pa_t, rr RR) {
	pm.Pgs[pa].Origin = rr
}

func (pm *Physmem_t) Origin(pa Pa_t) RR {
	return pm.Pgs[pa].Origin
}

// Free returns the number of frames currently unallocated.
func (pm *Physmem_t) Free() int {
	pm.Lock()
	defer pm.Unlock()
	return int(pm.freelen)
}
