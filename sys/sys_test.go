package sys

import (
	"testing"

	"distkernel/label"
	"distkernel/mem"
	"distkernel/net"
	"distkernel/proc"
	"distkernel/vm"
)

func mustProc(t *testing.T, m *mem.Physmem_t, parent *proc.Pcb_t) *proc.Pcb_t {
	t.Helper()
	p, err := proc.ProcAlloc(parent)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	as, err := vm.NewAS(m)
	if err != 0 {
		t.Fatalf("NewAS: %v", err)
	}
	p.Pml4 = as
	return p
}

func mustFresh(t *testing.T, m *mem.Physmem_t, as *vm.AS, va uintptr, fill byte) {
	t.Helper()
	pa, err := m.Alloc()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	page := m.Dmap(pa)
	for i := range page {
		page[i] = fill
	}
	if err := as.Insert(pa, va, mem.PteSysR|mem.PteSysW); err != 0 {
		t.Fatalf("insert: %v", err)
	}
}

func TestCmdDecode(t *testing.T) {
	c := Cmd(uint32(OpPut) | uint32(FlagStart) | uint32(MemCopy) | uint32(FlagRead))
	if c.Op() != OpPut {
		t.Fatalf("Op: got %v want OpPut", c.Op())
	}
	if !c.Start() {
		t.Fatalf("expected Start")
	}
	if c.Remote() {
		t.Fatalf("did not expect Remote")
	}
	if c.MemOp() != MemCopy {
		t.Fatalf("MemOp: got %v want MemCopy", c.MemOp())
	}
	if c.NominalPerm() != mem.PteSysR {
		t.Fatalf("NominalPerm: got %#x want PteSysR", c.NominalPerm())
	}
}

func TestSyscallCputs(t *testing.T) {
	m := mem.NewPhysmem(64)
	p := mustProc(t, m, nil)
	mustFresh(t, m, p.Pml4, vm.USERLO, 0)
	if err := p.Pml4.CopyIn(vm.USERLO, []byte("hello")); err != 0 {
		t.Fatalf("copyin: %v", err)
	}

	args := Args{LocalVA: vm.USERLO, Size: 5}
	if err := Syscall(proc.NewCpu(), nil, p, uint32(OpCputs), args); err != 0 {
		t.Fatalf("Syscall(CPUTS): %v", err)
	}
}

func TestSyscallPutZeroAndStart(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	parent := mustProc(t, m, nil)
	child := mustProc(t, m, parent)
	parent.Child[0] = child
	parent.Nchild = 1

	cmd := uint32(OpPut) | uint32(MemZero) | uint32(FlagStart) | uint32(FlagRead) | uint32(FlagWrite)
	args := Args{Child: 0, ChildVA: vm.USERLO, Size: mem.PGSIZE}
	if err := Syscall(cpu, nil, parent, cmd, args); err != 0 {
		t.Fatalf("Syscall(PUT zero+start): %v", err)
	}
	if child.State != proc.Ready {
		t.Fatalf("expected child Ready, got %v", child.State)
	}
	buf := make([]byte, 4)
	if err := child.Pml4.CopyOut(vm.USERLO, buf); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
}

func TestSyscallPutCopyAndSnap(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	parent := mustProc(t, m, nil)
	child := mustProc(t, m, parent)
	parent.Child[0] = child
	parent.Nchild = 1

	mustFresh(t, m, parent.Pml4, vm.USERLO, 0x42)

	cmd := uint32(OpPut) | uint32(MemCopy) | uint32(MemSnap)
	args := Args{Child: 0, LocalVA: vm.USERLO, ChildVA: vm.USERLO, Size: mem.PGSIZE}
	if err := Syscall(cpu, nil, parent, cmd, args); err != 0 {
		t.Fatalf("Syscall(PUT copy+snap): %v", err)
	}

	buf := make([]byte, 4)
	if err := child.Pml4.CopyOut(vm.USERLO, buf); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	for _, b := range buf {
		if b != 0x42 {
			t.Fatalf("child did not receive copied data: got %x", b)
		}
	}
	if child.Rpml4 == nil {
		t.Fatalf("expected snapshot reference to be set")
	}
}

func TestSyscallGetCopy(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	parent := mustProc(t, m, nil)
	child := mustProc(t, m, parent)
	parent.Child[0] = child
	parent.Nchild = 1

	mustFresh(t, m, child.Pml4, vm.USERLO, 0x7)

	cmd := uint32(OpGet) | uint32(MemCopy)
	args := Args{Child: 0, LocalVA: vm.USERLO, ChildVA: vm.USERLO, Size: mem.PGSIZE}
	if err := Syscall(cpu, nil, parent, cmd, args); err != 0 {
		t.Fatalf("Syscall(GET copy): %v", err)
	}
	buf := make([]byte, 4)
	if err := parent.Pml4.CopyOut(vm.USERLO, buf); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	for _, b := range buf {
		if b != 0x7 {
			t.Fatalf("parent did not receive copied data: got %x", b)
		}
	}
}

func TestSyscallGetMergeNoSnapshot(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	parent := mustProc(t, m, nil)
	child := mustProc(t, m, parent)
	parent.Child[0] = child
	parent.Nchild = 1

	cmd := uint32(OpGet) | uint32(MemMerge)
	args := Args{Child: 0, LocalVA: vm.USERLO, ChildVA: vm.USERLO, Size: mem.PGSIZE}
	if err := Syscall(cpu, nil, parent, cmd, args); err != 0 {
		t.Fatalf("Syscall(GET merge, no snapshot): %v", err)
	}
}

func TestSyscallRetPlain(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	parent := mustProc(t, m, nil)
	child := mustProc(t, m, parent)
	proc.ProcWait(cpu, parent, child, 0)

	if err := Syscall(cpu, nil, child, uint32(OpRet), Args{}); err != 0 {
		t.Fatalf("Syscall(RET): %v", err)
	}
	if parent.State != proc.Ready {
		t.Fatalf("expected parent woken to Ready, got %v", parent.State)
	}
}

func TestSyscallRetRecv(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	mac := map[int][6]byte{1: {1}}
	n := net.New(nil, 1, mac, m, cpu)

	sender := mustProc(t, m, nil)
	receiver := mustProc(t, m, nil)
	proc.ProcSetLabel(sender, label.Tag(0x1))
	proc.ProcSetClearance(receiver, label.Tag(0x1))

	if err := Syscall(cpu, n, receiver, uint32(OpRet), Args{Mid: sender.Mid, Node: 1}); err != 0 {
		t.Fatalf("Syscall(RET as recv): %v", err)
	}
	if receiver.State != proc.Recv {
		t.Fatalf("expected receiver parked in Recv, got %v", receiver.State)
	}
	if err := n.Send(sender, receiver.Mid, 1, 0, 0, 0); err != 0 {
		t.Fatalf("Send: %v", err)
	}
	if receiver.State != proc.Ready {
		t.Fatalf("expected receiver Ready after rendezvous, got %v", receiver.State)
	}
}

func TestSyscallLabel(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	p := mustProc(t, m, nil)

	if err := Syscall(cpu, nil, p, uint32(OpLabel), Args{SetTag: true, Tag: label.Tag(0x5)}); err != 0 {
		t.Fatalf("Syscall(LABEL set): %v", err)
	}
	if p.Lbl.Label() != 0x5 {
		t.Fatalf("expected label 0x5, got %#x", p.Lbl.Label())
	}
	if err := Syscall(cpu, nil, p, uint32(OpLabel), Args{SetTag: true, Clear: true, Tag: label.Tag(0x9)}); err != 0 {
		t.Fatalf("Syscall(LABEL set clearance): %v", err)
	}
	if p.Lbl.Clearance() != 0x9 {
		t.Fatalf("expected clearance 0x9, got %#x", p.Lbl.Clearance())
	}
	if err := Syscall(cpu, nil, p, uint32(OpLabel), Args{}); err != 0 {
		t.Fatalf("Syscall(LABEL read): %v", err)
	}
}

func TestSyscallMid(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	p := mustProc(t, m, nil)
	if err := Syscall(cpu, nil, p, uint32(OpMid), Args{}); err != 0 {
		t.Fatalf("Syscall(MID): %v", err)
	}
}

func TestSyscallInvalidChildIndex(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	p := mustProc(t, m, nil)
	if err := Syscall(cpu, nil, p, uint32(OpPut), Args{Child: 3}); err != 0 {
		t.Fatalf("Syscall(PUT bad child): expected silent no-op, got %v", err)
	}
}
