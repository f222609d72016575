package proc

import (
	"testing"

	"distkernel/defs"
)

func mustAlloc(t *testing.T, parent *Pcb_t) *Pcb_t {
	t.Helper()
	p, err := ProcAlloc(parent)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	return p
}

func TestReadyQueueFIFO(t *testing.T) {
	cpu := NewCpu()
	a := mustAlloc(t, nil)
	b := mustAlloc(t, nil)
	ProcReady(cpu, a)
	ProcReady(cpu, b)

	if got := ProcSched(cpu); got != a {
		t.Fatalf("expected a first, got %p want %p", got, a)
	}
	if got := ProcSched(cpu); got != b {
		t.Fatalf("expected b second, got %p want %p", got, b)
	}
	if got := ProcSched(cpu); got != nil {
		t.Fatalf("expected empty queue, got %v", got)
	}
}

func TestWaitWakeTransition(t *testing.T) {
	cpu := NewCpu()
	parent := mustAlloc(t, nil)
	child := mustAlloc(t, parent)

	ProcWait(cpu, parent, child, 100)
	if parent.State != Wait {
		t.Fatalf("expected Wait, got %v", parent.State)
	}

	// A ready-queue scan must not see the waiting parent.
	ProcReady(cpu, child)
	if got := ProcSched(cpu); got != child {
		t.Fatalf("expected child on ready queue, got %v", got)
	}

	ProcRet(cpu, child)
	if parent.State != Ready {
		t.Fatalf("expected parent woken to Ready, got %v", parent.State)
	}
	if got := ProcSched(cpu); got != parent {
		t.Fatalf("expected parent on ready queue after wake, got %v", got)
	}
}

func TestBlockAndWake(t *testing.T) {
	cpu := NewCpu()
	p := mustAlloc(t, nil)
	ProcBlock(cpu, p, Pull, 5)
	if p.State != Pull {
		t.Fatalf("expected Pull, got %v", p.State)
	}
	ProcWake(cpu, p)
	if p.State != Ready {
		t.Fatalf("expected Ready after wake, got %v", p.State)
	}
}

func TestMidRegisterUnique(t *testing.T) {
	a := mustAlloc(t, nil)
	b := mustAlloc(t, nil)
	if a.Mid == b.Mid {
		t.Fatalf("expected distinct mids, got %d for both", a.Mid)
	}
	found, ok := FindByMid(a.Mid)
	if !ok || found != a {
		t.Fatalf("FindByMid(%d) = %v, %v; want %v, true", a.Mid, found, ok, a)
	}
	ProcRet(cpuForTest, a)
	if _, ok := FindByMid(a.Mid); ok {
		t.Fatalf("expected mid to be unregistered after ProcRet")
	}
}

var cpuForTest = NewCpu()

func TestChildLimitEnforced(t *testing.T) {
	parent := mustAlloc(t, nil)
	for i := 0; i < maxChildren; i++ {
		if _, err := ProcAlloc(parent); err != 0 {
			t.Fatalf("child %d: unexpected %v", i, err)
		}
	}
	if _, err := ProcAlloc(parent); err != -defs.ENOMEM {
		t.Fatalf("expected ENOMEM on child %d, got %v", maxChildren, err)
	}
}

func TestLabelMonotonic(t *testing.T) {
	p := mustAlloc(t, nil)
	ProcSetLabel(p, 0x1)
	ProcSetLabel(p, 0x2)
	if got := p.Lbl.Label(); got != 0x3 {
		t.Fatalf("expected joined label 0x3, got %#x", got)
	}
}
