package vm

import (
	"distkernel/defs"
	"distkernel/mem"
)

// CopyOut copies len(dst) bytes starting at user address va into dst. An
// absent or remote page makes it return EFAULT; nothing is faulted in. Grounded on biscuit's Vm_t.Userdmap8_inner /
// Userdmap8r, which perform the same walk-then-copy for kernel reads of
// user memory.
func (as *AS) CopyOut(va uintptr, dst []byte) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.copyPages(va, dst, false)
}

// CopyIn copies src into user address va, triggering the same fresh-copy
// page-fault path a user write would (Userdmap8_inner's k2u branch).
func (as *AS) CopyIn(va uintptr, src []byte) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.copyPages(va, src, true)
}

func (as *AS) copyPages(va uintptr, buf []byte, write bool) defs.Err_t {
	m := as.Mem
	remaining := buf
	cur := va
	for len(remaining) > 0 {
		pgva := cur &^ mem.PGOFFSET
		off := cur - pgva
		n := uintptr(mem.PGSIZE) - off
		if n > uintptr(len(remaining)) {
			n = uintptr(len(remaining))
		}

		t, idx, err := walk(m, as.Root, pgva, write)
		if err != 0 {
			return err
		}
		slot := &t[idx]
		if write {
			if slot.IsRemote() {
				return -defs.EFAULT
			}
			if !slot.Present() || slot.Addr == m.Zero || m.Refcnt(slot.Addr) > 1 {
				npa, err := m.Alloc()
				if err != 0 {
					return err
				}
				if slot.Present() && !slot.IsRemote() {
					*m.Dmap(npa) = *m.Dmap(slot.Addr)
					if slot.Addr != m.Zero {
						decrefFrame(m, slot.Addr, 0)
					}
				}
				slot.Addr = npa
				slot.Flags |= mem.PteP | mem.PteW | mem.PteU
				slot.Flags &^= mem.PteCOW
			}
			page := m.Dmap(slot.Addr)
			copy(page[off:off+n], remaining[:n])
		} else {
			if slot.IsRemote() {
				return -defs.EFAULT
			}
			if !slot.Present() {
				return -defs.EFAULT
			}
			page := m.Dmap(slot.Addr)
			copy(remaining[:n], page[off:off+n])
		}

		remaining = remaining[n:]
		cur += n
	}
	return 0
}
