package vm

import (
	"log"

	"distkernel/defs"
	"distkernel/mem"
)

// Merge is a three-way page-level diff: for each unit of the range, if src
// equals ref keep dst; if dst equals ref take src; otherwise descend and,
// at the page level, merge byte by byte -- a byte conflict unmaps dst's
// frame, leaves a zero-mapping under dst's nominal permissions (so a later
// read sees zeros), and is logged. Grounded on original_source/kern/pmap.c's
// pmap_merge_level/pmap_mergepage. The reference page map is never
// mutated. Returns the number of pages that conflicted.
func Merge(ref, src *AS, srcVA uintptr, dst *AS, dstVA uintptr, size uintptr) (int, defs.Err_t) {
	if srcVA%mem.PGSIZE != 0 || dstVA%mem.PGSIZE != 0 || size%mem.PGSIZE != 0 {
		return 0, -defs.EFAULT
	}
	ref.Lock()
	defer ref.Unlock()
	if src != ref {
		src.Lock()
		defer src.Unlock()
	}
	if dst != ref && dst != src {
		dst.Lock()
		defer dst.Unlock()
	}
	conflicts := 0
	off := dstVA - srcVA
	err := mergeRange(src.Mem, ref.Root, src.Root, dst.Root, nlevels-1, srcVA, srcVA+size, off, &conflicts)
	return conflicts, err
}

func frameOrZero(m *mem.Physmem_t, slot *mem.Pte_t) mem.Pa_t {
	if slot.Present() && !slot.IsRemote() {
		return slot.Addr
	}
	return m.Zero
}

// emptyPTable stands in for the children of an absent interior slot: every
// entry is the zero Pte_t, i.e. every child is itself absent.
var emptyPTable mem.PTable

func tableOrEmpty(m *mem.Physmem_t, pa mem.Pa_t, present bool) *mem.PTable {
	if !present {
		return &emptyPTable
	}
	return m.Table(pa)
}

func mergeRange(m *mem.Physmem_t, refPa, srcPa, dstPa mem.Pa_t, level int, lo, hi, voff uintptr, conflicts *int) defs.Err_t {
	refT := tableOrEmpty(m, refPa, refPa != m.Zero)
	srcT := tableOrEmpty(m, srcPa, srcPa != m.Zero)
	span := uintptr(1) << levelShift(level)
	base := lo &^ (span - 1)
	for base < hi {
		next := base + span
		wholeCovered := base >= lo && next <= hi
		idx := levelIndex(base, level)
		refSlot := &refT[idx]
		srcSlot := &srcT[idx]
		if refSlot.IsRemote() || srcSlot.IsRemote() {
			return -defs.EFAULT
		}
		refFrame := frameOrZero(m, refSlot)
		srcFrame := frameOrZero(m, srcSlot)

		dstT, dstIdx, err := ensureDstSlot(m, dstPa, level, base+voff)
		if err != 0 {
			return err
		}
		dstSlot := &dstT[dstIdx]
		if dstSlot.IsRemote() {
			return -defs.EFAULT
		}
		dstFrame := frameOrZero(m, dstSlot)

		switch {
		case srcFrame == refFrame:
			// src unchanged since the reference snapshot: keep dst.
		case dstFrame == refFrame && wholeCovered:
			if level == 0 {
				shareCOW(m, srcSlot, dstSlot)
			} else {
				shareSubtable(m, srcSlot, dstSlot, level)
			}
		case level == 0:
			conflict, err := mergeBytes(m, refFrame, srcFrame, dstSlot)
			if err != 0 {
				return err
			}
			if conflict {
				*conflicts++
				log.Printf("vm: merge conflict at va=%#x", base+voff)
			}
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
			if err := mergeRange(m, refFrame, srcFrame, dstPa, level-1, clo, chi, voff, conflicts); err != 0 {
				return err
			}
		}
		base = next
	}
	return 0
}

// mergeBytes performs the leaf-level byte-wise three-way merge. It never
// mutates ref or src; on success it installs a fresh frame holding the
// merged content into dst, preserving dst's permission bits. On conflict it
// unmaps dst's frame instead, replacing it with a zero-mapping that keeps
// dst's nominal permissions, and reports the conflict to the caller.
func mergeBytes(m *mem.Physmem_t, refPa, srcPa mem.Pa_t, dstSlot *mem.Pte_t) (bool, defs.Err_t) {
	refD := m.Dmap(refPa)
	srcD := m.Dmap(srcPa)
	dstFrame := frameOrZero(m, dstSlot)
	dstD := m.Dmap(dstFrame)

	merged := make([]byte, mem.PGSIZE)
	copy(merged, dstD[:])
	conflict := false
	for i := 0; i < mem.PGSIZE; i++ {
		s, r, d := srcD[i], refD[i], dstD[i]
		switch {
		case s == r:
		case d == r:
			merged[i] = s
		default:
			conflict = true
		}
	}

	if conflict {
		if dstSlot.Present() && !dstSlot.IsRemote() {
			decrefFrame(m, dstSlot.Addr, 0)
		}
		perm := dstSlot.Flags & (mem.PteSysR | mem.PteSysW)
		flags := perm
		if perm&mem.PteSysR != 0 {
			flags |= mem.PteP
		}
		*dstSlot = mem.Pte_t{Flags: flags, Addr: m.Zero}
		return true, 0
	}

	npa, err := m.Alloc()
	if err != 0 {
		return false, err
	}
	copy(m.Dmap(npa)[:], merged)
	if dstSlot.Present() && !dstSlot.IsRemote() {
		decrefFrame(m, dstSlot.Addr, 0)
	}
	flags := dstSlot.Flags | mem.PteP | mem.PteW
	flags &^= mem.PteCOW
	*dstSlot = mem.Pte_t{Flags: flags, Addr: npa}
	return false, 0
}
