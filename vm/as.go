// Package vm implements the memory core of the distributed process model:
// four-level page-map construction, copy-on-write sharing, snapshot/merge/
// diff, and demand-zero pages. It is built on top of mem's frame allocator and
// Pte_t/PTable types -- grounded on biscuit's vm.Vm_t (biscuit/src/vm/as.go)
// for the address-space wrapper shape and on original_source/kern/pmap.c's
// pmap_walk_level/pmap_copy_level/pmap_merge_level algorithms for the
// four-level descent semantics.
package vm

import (
	"sync"

	"distkernel/defs"
	"distkernel/mem"
	"distkernel/util"
)

const (
	nlevels = 4 // PML4-equivalent .. leaf page table, 9 bits/level
	USERLO  = uintptr(0)
	USERHI  = uintptr(1) << 48
)

func levelShift(level int) uint {
	return uint(mem.PGSHIFT) + 9*uint(level)
}

func levelIndex(va uintptr, level int) int {
	return int((va >> levelShift(level)) & (mem.NEntries - 1))
}

// AS is one process's address space: a working page-map root and an
// optional reference (snapshot) root used by Merge. Grounded on Vm_t, which
// likewise embeds a mutex and holds both a working and installed pmap.
type AS struct {
	sync.Mutex
	Mem  *mem.Physmem_t
	Root mem.Pa_t // working page-map root (top level)
	Ref  mem.Pa_t // reference snapshot root; 0 if none taken yet
}

// NewAS allocates a fresh, empty address space: a top-level table whose
// every slot is absent. There is no kernel half to
// template-copy in this model -- the bootloader/CPU-init layer that would
// populate one is out of scope for this model.
func NewAS(m *mem.Physmem_t) (*AS, defs.Err_t) {
	root, _, err := m.AllocTable()
	if err != 0 {
		return nil, err
	}
	return &AS{Mem: m, Root: root}, 0
}

// walk descends the four levels from root toward va, returning the leaf
// level's table and the index of va's slot within it. When forWrite is
// true, absent interior subtables are materialised and copy-on-write
// subtables are unshared along the way: a subtable whose own frame has
// refcount 1 is unshared
// in place (writable bit set, COW flag cleared); a subtable with refcount >
// 1 is copied into a fresh frame, every child frame it references is
// ref-upped, the old subtable's refcount is dropped, and the copy is
// installed writable.
func walk(m *mem.Physmem_t, root mem.Pa_t, va uintptr, forWrite bool) (*mem.PTable, int, defs.Err_t) {
	cur := root
	for level := nlevels - 1; level > 0; level-- {
		t := m.Table(cur)
		idx := levelIndex(va, level)
		slot := &t[idx]

		if !slot.Present() {
			if !forWrite {
				return nil, 0, -defs.EFAULT
			}
			npa, _, err := m.AllocTable()
			if err != 0 {
				return nil, 0, err
			}
			*slot = mem.Pte_t{Flags: mem.PteP | mem.PteW | mem.PteU, Addr: npa}
			cur = npa
			continue
		}

		if slot.IsRemote() {
			// Resolution of a remote subtree is the NET package's job
			// (pull on demand); VM surfaces it as a fault.
			return nil, 0, -defs.EFAULT
		}

		if forWrite && slot.IsCOW() {
			if err := unshareInterior(m, slot); err != 0 {
				return nil, 0, err
			}
		}
		cur = slot.Addr
	}
	return m.Table(cur), levelIndex(va, 0), 0
}

// unshareInterior applies the copy-on-write propagation rule to one
// interior slot: a subtable whose frame has refcount 1 is unshared in
// place; one with refcount > 1 is copied into a fresh frame with every
// referenced child frame ref-upped.
func unshareInterior(m *mem.Physmem_t, slot *mem.Pte_t) defs.Err_t {
	if !slot.IsCOW() {
		return 0
	}
	if m.Refcnt(slot.Addr) == 1 {
		slot.Flags |= mem.PteW
		slot.Flags &^= mem.PteCOW
		return 0
	}
	oldpa := slot.Addr
	oldt := m.Table(oldpa)
	npa, nt, err := m.AllocTable()
	if err != 0 {
		return err
	}
	*nt = *oldt
	for i := range nt {
		e := &nt[i]
		if e.Present() && !e.IsRemote() {
			m.Refup(e.Addr)
		}
	}
	m.Refdown(oldpa)
	*slot = mem.Pte_t{Flags: mem.PteP | mem.PteW | mem.PteU, Addr: npa}
	return 0
}

// Walk is the externally callable form of walk, used by the syscall PUT/GET
// path and by the page-fault handler.
func (as *AS) Walk(va uintptr, forWrite bool) (*mem.Pte_t, defs.Err_t) {
	if va < USERLO || va >= USERHI || !util.Aligned(va, uintptr(mem.PGSIZE)) {
		return nil, -defs.EFAULT
	}
	t, idx, err := walk(as.Mem, as.Root, va, forWrite)
	if err != 0 {
		return nil, err
	}
	return &t[idx], 0
}

// Snapshot produces a frozen reference address space covering [va, va+size)
// for later use as Merge's ref argument: a fresh AS sharing every frame in
// the range COW with as, that as itself will never be told to share again
// (so later divergence of as is detectable by Pa_t inequality against this
// snapshot). This is the mechanism PUT's SNAP flag and GET's MERGE flag
// compose through.
func (as *AS) Snapshot(va, size uintptr) (*AS, defs.Err_t) {
	ref, err := NewAS(as.Mem)
	if err != 0 {
		return nil, err
	}
	if err := Copy(as, va, ref, va, size); err != 0 {
		return nil, err
	}
	return ref, 0
}

// decrefFrame drops a reference to frame pa, recursively freeing an
// interior subtable's own children first when this decrement is the one
// that will free it (refcount observed as 1 before the drop) -- mirroring
// pmap_freepmap's recursive descent in original_source/kern/pmap.c. level
// 0 means pa is a leaf data frame with no children.
func decrefFrame(m *mem.Physmem_t, pa mem.Pa_t, level int) {
	if level > 0 && m.Refcnt(pa) == 1 {
		t := m.Table(pa)
		for i := range t {
			e := &t[i]
			if e.Present() && !e.IsRemote() {
				decrefFrame(m, e.Addr, level-1)
			}
		}
	}
	m.Refdown(pa)
}

// Insert maps frame at va with the given nominal permission, replacing any
// prior mapping (whose frame is dereferenced first).
func (as *AS) Insert(frame mem.Pa_t, va uintptr, perm uint16) defs.Err_t {
	as.Lock()
	defer as.Unlock()

	t, idx, err := walk(as.Mem, as.Root, va, true)
	if err != 0 {
		return err
	}
	slot := &t[idx]
	if slot.Present() && !slot.IsRemote() && slot.Addr != as.Mem.Zero {
		decrefFrame(as.Mem, slot.Addr, 0)
	}
	as.Mem.Refup(frame)

	flags := mem.PteP | mem.PteU
	if perm&mem.PteSysW != 0 {
		flags |= mem.PteW
	}
	flags |= perm & (mem.PteSysR | mem.PteSysW)
	*slot = mem.Pte_t{Flags: flags, Addr: frame}
	return 0
}

// Remove clears every mapping in [va, va+size) and dereferences the frames
// it unmaps, recursing into fully-covered subtables without walking every
// leaf page individually ("lazy descent").
func (as *AS) Remove(va uintptr, size uintptr) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return removeRange(as.Mem, as.Root, nlevels-1, va, va+size)
}

func removeRange(m *mem.Physmem_t, pa mem.Pa_t, level int, lo, hi uintptr) defs.Err_t {
	t := m.Table(pa)
	span := uintptr(1) << levelShift(level)
	base := lo &^ (span - 1)
	for base < hi {
		idx := levelIndex(base, level)
		slot := &t[idx]
		next := base + span
		if slot.Present() && !slot.IsRemote() {
			wholeCovered := base >= lo && next <= hi
			if level == 0 {
				if wholeCovered {
					decrefFrame(m, slot.Addr, 0)
					*slot = mem.Pte_t{}
				}
			} else if wholeCovered {
				decrefFrame(m, slot.Addr, level)
				*slot = mem.Pte_t{}
			} else {
				clo, chi := lo, hi
				if clo < base {
					clo = base
				}
				if chi > next {
					chi = next
				}
				if slot.IsCOW() {
					// unshare before recursing into a partial range
					if err := unshareInterior(m, slot); err != 0 {
						return err
					}
				}
				if err := removeRange(m, slot.Addr, level-1, clo, chi); err != 0 {
					return err
				}
			}
		}
		base = next
	}
	return 0
}
