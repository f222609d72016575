package vm

import (
	"fmt"

	"distkernel/mem"
)

// CheckInvariants walks an address space's page map and verifies its core
// invariants (present PTEs reference a live frame, no writable PTE
// references a shared frame, the zero frame is never present-and-writable).
// It is exported so both tests and an optional
// debug-mode boot-time check can call it directly, mirroring
// original_source/kern/pmap.c's linkable pmap_check()/pmap_check_adv(),
// rather than being test-only scaffolding.
func CheckInvariants(as *AS) error {
	as.Lock()
	defer as.Unlock()
	return checkLevel(as.Mem, as.Root, nlevels-1)
}

func checkLevel(m *mem.Physmem_t, pa mem.Pa_t, level int) error {
	t := m.Table(pa)
	if t == nil {
		return fmt.Errorf("vm: table frame %d has no backing table", pa)
	}
	for i := range t {
		slot := &t[i]
		if !slot.Present() || slot.IsRemote() {
			continue
		}
		if slot.Addr == m.Zero {
			if slot.Writable() {
				return fmt.Errorf("vm: zero frame present-and-writable at slot %d", i)
			}
			continue
		}
		if m.Refcnt(slot.Addr) < 1 {
			return fmt.Errorf("vm: present PTE references frame %d with refcount %d",
				slot.Addr, m.Refcnt(slot.Addr))
		}
		if slot.Writable() && m.Refcnt(slot.Addr) > 1 {
			return fmt.Errorf("vm: writable PTE references shared frame %d (refcount %d)",
				slot.Addr, m.Refcnt(slot.Addr))
		}
		if level > 0 {
			if err := checkLevel(m, slot.Addr, level-1); err != nil {
				return err
			}
		}
	}
	return nil
}
