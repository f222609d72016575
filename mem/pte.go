package mem

import "distkernel/defs"

// NEntries is the fan-out of one page-map level. The four-level tree
// therefore addresses NEntries^4 * PGSIZE bytes of user space.
const NEntries = 512

// Pte_t is one page-map slot. It takes one of three disjoint forms: a
// zero-mapping (Flags&PteRemote == 0, Addr == the Physmem_t's Zero frame,
// PteP set iff read was granted), a present mapping (Flags&PteRemote == 0,
// Addr a live local frame), or a remote mapping (Flags&PteRemote != 0, Rr
// holds the remote reference and Addr is unused). Kept as a small struct
// rather than one packed hardware word -- this is software-modelled
// paging, not real x86 page tables.
type Pte_t struct {
	Flags uint16
	Addr  Pa_t
	Rr    RR
}

const (
	PteP      uint16 = 1 << iota // hardware-valid: present and readable
	PteW                         // hardware-writable
	PteU                         // user-accessible
	PteCOW                       // subtable/page shared copy-on-write, refcount > 1
	PteRemote                    // Rr is meaningful, Addr is not
	PteSysR                      // nominal permission: read granted
	PteSysW                      // nominal permission: write granted
)

func (p Pte_t) Present() bool  { return p.Flags&PteP != 0 }
func (p Pte_t) Writable() bool { return p.Flags&PteW != 0 }
func (p Pte_t) IsCOW() bool    { return p.Flags&PteCOW != 0 }
func (p Pte_t) IsRemote() bool { return p.Flags&PteRemote != 0 }
func (p Pte_t) SysRead() bool  { return p.Flags&PteSysR != 0 }
func (p Pte_t) SysWrite() bool { return p.Flags&PteSysW != 0 }

// PTable is one page-map level: NEntries slots, physically backed by one
// frame in the same table Physmem_t hands out data frames from.
type PTable [NEntries]Pte_t

// AllocTable hands out a fresh frame and initializes it as an empty page
// table level (all entries zero-valued, i.e. absent).
func (pm *Physmem_t) AllocTable() (Pa_t, *PTable, defs.Err_t) {
	pa, err := pm.Alloc()
	if err != 0 {
		return 0, nil, err
	}
	t := &PTable{}
	pm.Lock()
	pm.Pgs[pa].Table = t
	pm.Unlock()
	return pa, t, 0
}

// Table returns the page-table view of a frame previously allocated with
// AllocTable, or nil if pa does not hold a table.
func (pm *Physmem_t) Table(pa Pa_t) *PTable {
	return pm.Pgs[pa].Table
}
