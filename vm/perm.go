package vm

import (
	"distkernel/defs"
	"distkernel/mem"
	"distkernel/util"
)

// Setperm sets nominal permissions across [va, va+size), materialising
// absent subtables only when the new permission is non-empty. A read-only
// grant maps the canonical zero frame read-only; a write grant leaves the
// zero-mapping in place -- the first write faults into Pagefault, which
// copies out a fresh frame.
func (as *AS) Setperm(va uintptr, size uintptr, perm uint16) defs.Err_t {
	if !util.Aligned(va, uintptr(mem.PGSIZE)) || !util.Aligned(size, uintptr(mem.PGSIZE)) {
		return -defs.EFAULT
	}
	as.Lock()
	defer as.Unlock()
	for off := uintptr(0); off < size; off += mem.PGSIZE {
		if err := as.setpermPage(va+off, perm); err != 0 {
			return err
		}
	}
	return 0
}

func (as *AS) setpermPage(va uintptr, perm uint16) defs.Err_t {
	m := as.Mem
	if perm == 0 {
		t, idx, err := walk(m, as.Root, va, false)
		if err == -defs.EFAULT {
			return 0 // already absent, nothing to clear
		}
		if err != 0 {
			return err
		}
		slot := &t[idx]
		if slot.Present() && !slot.IsRemote() && slot.Addr != m.Zero {
			decrefFrame(m, slot.Addr, 0)
		}
		*slot = mem.Pte_t{}
		return 0
	}

	t, idx, err := walk(m, as.Root, va, true)
	if err != 0 {
		return err
	}
	slot := &t[idx]
	if slot.Present() && !slot.IsRemote() && slot.Addr != m.Zero {
		// Existing real mapping: only the nominal bits change.
		slot.Flags = (slot.Flags &^ (mem.PteSysR | mem.PteSysW)) | (perm & (mem.PteSysR | mem.PteSysW))
		if perm&mem.PteSysW == 0 {
			slot.Flags &^= mem.PteW
		}
		return 0
	}

	// Absent slot becoming a zero-mapping: the zero frame's refcount is
	// pinned and does not track individual zero-mappings (mem.NewPhysmem).
	flags := perm & (mem.PteSysR | mem.PteSysW)
	if perm&mem.PteSysR != 0 {
		flags |= mem.PteP
	}
	*slot = mem.Pte_t{Flags: flags, Addr: m.Zero}
	return 0
}
