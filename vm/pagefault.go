package vm

import (
	"distkernel/defs"
	"distkernel/mem"
)

// Pagefault resolves a write trap in user range: walks writable to the
// leaf, and if the mapped frame is the canonical zero frame or has
// refcount > 1 (a COW-shared page), installs a fresh private copy.
// Anything else -- a read fault, a kernel address, an absent read-mapping
// -- does not match these preconditions and is surfaced to the caller as a
// user-mode trap; PM reflects ETRAP to the parent.
func (as *AS) Pagefault(va uintptr) defs.Err_t {
	if va < USERLO || va >= USERHI {
		return -defs.ETRAP
	}
	as.Lock()
	defer as.Unlock()

	t, idx, err := walk(as.Mem, as.Root, va&^mem.PGOFFSET, true)
	if err != 0 {
		return -defs.ETRAP
	}
	slot := &t[idx]
	if slot.IsRemote() {
		// The page itself has not been pulled yet; NET's demand-pull path
		// owns this case and will re-drive the fault once it resolves.
		return -defs.EFAULT
	}
	if !slot.Present() || !slot.SysWrite() {
		return -defs.ETRAP
	}

	m := as.Mem
	if slot.Addr == m.Zero || m.Refcnt(slot.Addr) > 1 {
		npa, err := m.Alloc()
		if err != 0 {
			return -defs.ENOMEM
		}
		*m.Dmap(npa) = *m.Dmap(slot.Addr)
		if slot.Addr != m.Zero {
			decrefFrame(m, slot.Addr, 0)
		}
		slot.Addr = npa
	}
	slot.Flags |= mem.PteP | mem.PteW
	slot.Flags &^= mem.PteCOW
	return 0
}
