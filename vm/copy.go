package vm

import (
	"distkernel/defs"
	"distkernel/mem"
)

// Copy realises a copy-on-write snapshot from (src, srcVA) into
// (dst, dstVA, size): aligned whole-subtable windows are shared by clearing
// the writable bit on both sides and bumping the subtable's refcount;
// partial windows recurse. After Copy, both address spaces read-alias the
// same frames until either side writes. Grounded on
// original_source/kern/pmap.c's pmap_copy_level.
func Copy(src *AS, srcVA uintptr, dst *AS, dstVA uintptr, size uintptr) defs.Err_t {
	if srcVA%mem.PGSIZE != 0 || dstVA%mem.PGSIZE != 0 || size%mem.PGSIZE != 0 {
		return -defs.EFAULT
	}
	if src == dst {
		src.Lock()
		defer src.Unlock()
	} else {
		src.Lock()
		defer src.Unlock()
		dst.Lock()
		defer dst.Unlock()
	}
	off := dstVA - srcVA
	return copyRange(src.Mem, src.Root, dst.Root, nlevels-1, srcVA, srcVA+size, off)
}

func shareCOW(m *mem.Physmem_t, srcSlot, dstSlot *mem.Pte_t) {
	if dstSlot.Present() && !dstSlot.IsRemote() {
		decrefFrame(m, dstSlot.Addr, 0)
	}
	if srcSlot.Present() && !srcSlot.IsRemote() {
		srcSlot.Flags &^= mem.PteW
		srcSlot.Flags |= mem.PteCOW
		m.Refup(srcSlot.Addr)
	}
	*dstSlot = *srcSlot
}

func shareSubtable(m *mem.Physmem_t, srcSlot, dstSlot *mem.Pte_t, level int) {
	if dstSlot.Present() && !dstSlot.IsRemote() {
		decrefFrame(m, dstSlot.Addr, level)
	}
	if srcSlot.Present() && !srcSlot.IsRemote() {
		srcSlot.Flags &^= mem.PteW
		srcSlot.Flags |= mem.PteCOW
		m.Refup(srcSlot.Addr)
	}
	*dstSlot = *srcSlot
}

// copyRange mirrors src onto dst over [lo,hi) (expressed in src's address
// space); voff translates a src address into the corresponding dst address.
// srcPa is src's table at this level; dstPa stays dst's root at every level,
// since ensureDstSlot walks down from the root.
func copyRange(m *mem.Physmem_t, srcPa, dstPa mem.Pa_t, level int, lo, hi, voff uintptr) defs.Err_t {
	srcT := m.Table(srcPa)
	span := uintptr(1) << levelShift(level)
	base := lo &^ (span - 1)
	for base < hi {
		next := base + span
		wholeCovered := base >= lo && next <= hi
		srcIdx := levelIndex(base, level)
		srcSlot := &srcT[srcIdx]

		dstT, dstIdx, err := ensureDstSlot(m, dstPa, level, base+voff)
		if err != 0 {
			return err
		}
		dstSlot := &dstT[dstIdx]

		switch {
		case !srcSlot.Present() || srcSlot.IsRemote():
			if dstSlot.Present() && !dstSlot.IsRemote() {
				decrefFrame(m, dstSlot.Addr, level)
				*dstSlot = mem.Pte_t{}
			}
		case level == 0:
			shareCOW(m, srcSlot, dstSlot)
		case wholeCovered:
			shareSubtable(m, srcSlot, dstSlot, level)
		default:
			if dstSlot.IsCOW() {
				if err := unshareInterior(m, dstSlot); err != 0 {
					return err
				}
			}
			if !dstSlot.Present() {
				npa, _, err := m.AllocTable()
				if err != 0 {
					return err
				}
				*dstSlot = mem.Pte_t{Flags: mem.PteP | mem.PteW | mem.PteU, Addr: npa}
			}
			clo, chi := maxU(lo, base), minU(hi, next)
			if err := copyRange(m, srcSlot.Addr, dstPa, level-1, clo, chi, voff); err != 0 {
				return err
			}
		}
		base = next
	}
	return 0
}

// ensureDstSlot walks dst materialising interior tables (and unsharing COW
// subtables) as needed, returning the leaf-of-this-level table and index
// for dstVA at the given level (not necessarily level 0).
func ensureDstSlot(m *mem.Physmem_t, dstRoot mem.Pa_t, level int, dstVA uintptr) (*mem.PTable, int, defs.Err_t) {
	cur := dstRoot
	for l := nlevels - 1; l > level; l-- {
		t := m.Table(cur)
		idx := levelIndex(dstVA, l)
		slot := &t[idx]
		if slot.IsCOW() {
			if err := unshareInterior(m, slot); err != 0 {
				return nil, 0, err
			}
		}
		if !slot.Present() {
			npa, _, err := m.AllocTable()
			if err != 0 {
				return nil, 0, err
			}
			*slot = mem.Pte_t{Flags: mem.PteP | mem.PteW | mem.PteU, Addr: npa}
		}
		cur = slot.Addr
	}
	return m.Table(cur), levelIndex(dstVA, level), 0
}

func minU(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func maxU(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
