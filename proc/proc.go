// Package proc implements the process-lifecycle and scheduler half of the
// distributed process model: PCB layout, the ready/pacing queues, and the
// wait/wake/block/yield/migrate state transitions. Grounded on
// original_source/kern/proc.c and kern/proc.h for field layout
// and state machine, and on biscuit's proc package for the Go idiom of a
// single mutex-guarded run queue (biscuit schedules via a per-CPU run
// queue protected by one lock rather than a lock-free MPMC queue; this
// model keeps that choice since the process count per node is modest and
// the simplicity lets every transition stay provably race-free without a
// dedicated formal-verification pass).
package proc

import (
	"sync"

	"distkernel/accnt"
	"distkernel/defs"
	"distkernel/file"
	"distkernel/hashtable"
	"distkernel/label"
	"distkernel/limits"
	"distkernel/mem"
	"distkernel/vm"
)

// State is one of the nine lifecycle states a Pcb_t can occupy. Grounded
// on the state enum of original_source/kern/proc.h, with its single
// generic PROC_BLOCK ("waiting to synchronize with sender") split into
// the three more specific Pull/Send/Recv states this model actually
// transitions through.
type State int

const (
	Stop State = iota
	Ready
	Run
	Wait
	Migr // migrating away: frozen, MIGRQ sent, awaiting arrival ack
	Away // fully migrated; this PCB is a tombstone whose Rrpml4 names the node now holding it
	Pull // blocked on an outstanding PULLRQ for a faulted page
	Send // blocked on SENDRQ until a matching RECVRQ arrives
	Recv // blocked on RECVRQ until a matching send arrives
)

func (s State) String() string {
	switch s {
	case Stop:
		return "stop"
	case Ready:
		return "ready"
	case Run:
		return "run"
	case Wait:
		return "wait"
	case Migr:
		return "migr"
	case Away:
		return "away"
	case Pull:
		return "pull"
	case Send:
		return "send"
	case Recv:
		return "recv"
	default:
		return "state?"
	}
}

const maxChildren = 256

// Pcb_t is a process control block. Field order and naming follow
// original_source/kern/proc.h closely enough that a reader of that file
// recognises every field; Go idioms (pointers instead of indices, an AS
// instead of a raw pml4 frame number) replace the C pointer arithmetic.
type Pcb_t struct {
	sync.Mutex

	Parent   *Pcb_t
	Child    [maxChildren]*Pcb_t
	Nchild   int
	State    State
	waitproc *Pcb_t // non-nil while State == Wait: the child being awaited

	ReadyNext   *Pcb_t // run-queue intrusive link
	PacingNext  *Pcb_t // pacing-list intrusive link (Wait/Pull)
	Runcpu      int
	Ts          int64 // pacing timestamp: tick count at which this PCB blocked

	Sv SavedState // saved register/trap state across a context switch

	Pml4  *vm.AS // working page map
	Rpml4 *vm.AS // reference snapshot, used by a pending Merge

	Home        int    // node number that owns this process's canonical state
	Rrpml4      mem.RR // remote reference to pml4 while Away
	Migrdest    int    // destination node of an in-flight migration
	Migrnext    *Pcb_t // migration retransmit-list link

	Pullnext   *Pcb_t // pull retransmit-list link
	Pullva     uintptr
	Pullrr     mem.RR
	Pglev      int // page-map level the pulled frame belongs to
	Arrived    int // reset to 0 when a pull starts; net tracks per-part arrival in its own pending entries

	Pmcmax int64 // repurposed as a tick budget; 0 means unbounded

	Mid       uint64 // this process's cluster-wide message id
	Lbl       label.Label_t
	remotenext    *Pcb_t    // NET retransmit-list link for an outstanding send/recv
	Remoteid      uint64    // peer mid of an outstanding labelled send/recv
	Remoteva      uintptr   // receiver: current page cursor within an in-flight fetch window
	Remotedst     uintptr   // receiver: destination VA the fetch window is landing at
	Remotelimit   uintptr   // receiver: src-va upper bound; a FETCHRQ naming it is the termination ping
	Remotelabel   label.Tag // receiver: sender's label, promoted once the fetch completes

	Accnt accnt.Accnt_t

	// Files is non-nil only for the root process: its synthetic file
	// table, pinned at fixed inode numbers rather than a real filesystem.
	// Every other process does I/O indirectly through its parent, per
	// original_source/kern/file.c's file_initroot comment.
	Files *file.Table
}

// SavedState is the trap/register snapshot a context switch preserves.
// The five registers below are the ones the trap decoder actually reads
// or writes (opcode, three operand slots, return value); a real CPU's
// full register file is out of this model's scope.
type SavedState struct {
	Opcode  uint32
	Arg0    uint64
	Arg1    uint64
	Arg2    uint64
	Retval  uint64
}

var (
	midMu    sync.Mutex
	nextMid  uint64 = 1
	midTable        = hashtable.MkHash(1024)
)

// mid_register assigns p a fresh cluster-wide message id and publishes it
// in the lookup table NET uses to resolve a SENDRQ/RECVRQ's Src/Dst field
// back to a local PCB. Grounded on mid_register in kern/proc.c; unlike the
// original's silent overwrite-on-reuse, a collision here is impossible by
// construction (ids are minted, never chosen by a caller), so no conflict
// path is needed.
func mid_register(p *Pcb_t) uint64 {
	midMu.Lock()
	id := nextMid
	nextMid++
	midMu.Unlock()
	p.Mid = id
	midTable.Set(id, p)
	return id
}

func mid_unregister(p *Pcb_t) {
	if p.Mid == 0 {
		return
	}
	midTable.Del(p.Mid)
}

// mid_find resolves a message id to its PCB, or reports false if the
// process has exited or migrated away without leaving a forwarding
// pointer.
func mid_find(mid uint64) (*Pcb_t, bool) {
	v, ok := midTable.Get(mid)
	if !ok {
		return nil, false
	}
	return v.(*Pcb_t), true
}

// AdoptMid re-registers p under mid, replacing the one mid_register
// minted for it. A migrated process keeps its cluster-wide identity
// across the move (net's MIGRQ carries the migrating process's own mid
// as its Src field): the destination node's freshly allocated PCB must
// answer to that same mid, not the one ProcAlloc assigned it locally, so
// a PULLRQ addressed to the original mid still resolves.
func AdoptMid(p *Pcb_t, mid uint64) {
	mid_unregister(p)
	p.Mid = mid
	if _, ok := midTable.Get(mid); ok {
		midTable.Del(mid)
	}
	midTable.Set(mid, p)
}

// Cpu_t is one scheduling core: a single ready queue and pacing list, each
// guarded by the embedded mutex, plus the process presently running on
// it. Grounded on biscuit's per-CPU scheduler state, simplified to a
// single core per node.
type Cpu_t struct {
	sync.Mutex
	Cur         *Pcb_t
	readyHead   *Pcb_t
	readyTail   *Pcb_t
	pacingHead  *Pcb_t
}

func NewCpu() *Cpu_t { return &Cpu_t{} }

// proc_alloc allocates a fresh, Stop-state PCB parented under parent (nil
// for the root process), consuming one unit of the system process-count
// cap. The PCB has no address space yet: Pml4 is nil until the caller
// installs one.
func ProcAlloc(parent *Pcb_t) (*Pcb_t, defs.Err_t) {
	if !reserveProcSlot() {
		return nil, -defs.ENOMEM
	}
	p := &Pcb_t{Parent: parent, State: Stop}
	mid_register(p)
	if parent != nil {
		parent.Lock()
		if parent.Nchild >= maxChildren {
			parent.Unlock()
			mid_unregister(p)
			releaseProcSlot()
			return nil, -defs.ENOMEM
		}
		parent.Child[parent.Nchild] = p
		parent.Nchild++
		parent.Unlock()
	}
	return p, 0
}

var procCount limits.Sysatomic_t = limits.Sysatomic_t(limits.Syslimit.Sysprocs)

func reserveProcSlot() bool { return procCount.Take() }
func releaseProcSlot()      { procCount.Give() }

// proc_ready moves p onto cpu's ready queue, FIFO, grounded on proc_ready
// in kern/proc.c.
func ProcReady(cpu *Cpu_t, p *Pcb_t) {
	cpu.Lock()
	defer cpu.Unlock()
	p.Lock()
	p.State = Ready
	p.ReadyNext = nil
	p.Unlock()
	if cpu.readyTail == nil {
		cpu.readyHead = p
	} else {
		cpu.readyTail.ReadyNext = p
	}
	cpu.readyTail = p
}

// proc_sched pops the head of cpu's ready queue, or returns nil if it is
// empty.
func ProcSched(cpu *Cpu_t) *Pcb_t {
	cpu.Lock()
	defer cpu.Unlock()
	p := cpu.readyHead
	if p == nil {
		return nil
	}
	cpu.readyHead = p.ReadyNext
	if cpu.readyHead == nil {
		cpu.readyTail = nil
	}
	p.ReadyNext = nil
	return p
}

// proc_run installs p as cpu's current process, transitioning it Run.
func ProcRun(cpu *Cpu_t, p *Pcb_t) {
	p.Lock()
	p.State = Run
	p.Runcpu = 1
	p.Unlock()
	cpu.Lock()
	cpu.Cur = p
	cpu.Unlock()
}

// proc_yield returns the current process to the back of the ready queue
// without blocking it on anything.
func ProcYield(cpu *Cpu_t) {
	p := cpu.Cur
	if p == nil {
		return
	}
	cpu.Lock()
	cpu.Cur = nil
	cpu.Unlock()
	ProcReady(cpu, p)
}

// proc_save copies sv into p's saved context, taken at every trap entry
// before the trap decoder dispatches on its opcode.
func ProcSave(p *Pcb_t, sv SavedState) {
	p.Lock()
	defer p.Unlock()
	p.Sv = sv
}

func pacingPush(cpu *Cpu_t, p *Pcb_t) {
	cpu.Lock()
	defer cpu.Unlock()
	p.PacingNext = cpu.pacingHead
	cpu.pacingHead = p
}

func pacingRemove(cpu *Cpu_t, p *Pcb_t) bool {
	cpu.Lock()
	defer cpu.Unlock()
	if cpu.pacingHead == p {
		cpu.pacingHead = p.PacingNext
		p.PacingNext = nil
		return true
	}
	for q := cpu.pacingHead; q != nil; q = q.PacingNext {
		if q.PacingNext == p {
			q.PacingNext = p.PacingNext
			p.PacingNext = nil
			return true
		}
	}
	return false
}

// proc_wait blocks p in state Wait until target (p's child, or any child
// if target is nil) reaches Stop, recording ts in p.Ts as the pacing
// timestamp. Grounded on proc_wait in kern/proc.c.
func ProcWait(cpu *Cpu_t, p *Pcb_t, target *Pcb_t, ts int64) {
	p.Lock()
	p.State = Wait
	p.waitproc = target
	p.Ts = ts
	p.Unlock()
	pacingPush(cpu, p)
}

// proc_wake moves p from its pacing list back onto the ready queue,
// clearing whichever blocking condition (Wait/Pull) it was parked under.
func ProcWake(cpu *Cpu_t, p *Pcb_t) {
	if !pacingRemove(cpu, p) {
		return
	}
	p.Lock()
	p.waitproc = nil
	p.Unlock()
	ProcReady(cpu, p)
}

// proc_wake_all wakes every pacing process whose waitproc is either nil
// (waiting on any child) or exactly target, used when a child calls
// proc_ret and may satisfy more than one waiter.
func ProcWakeAll(cpu *Cpu_t, target *Pcb_t) {
	cpu.Lock()
	var hit []*Pcb_t
	var keep *Pcb_t
	for q := cpu.pacingHead; q != nil; {
		next := q.PacingNext
		if q.State == Wait && (q.waitproc == nil || q.waitproc == target) {
			hit = append(hit, q)
		} else {
			q.PacingNext = keep
			keep = q
		}
		q = next
	}
	cpu.pacingHead = keep
	cpu.Unlock()
	for _, q := range hit {
		q.Lock()
		q.waitproc = nil
		q.Unlock()
		ProcReady(cpu, q)
	}
}

// proc_block parks p in the given non-Ready state on cpu's pacing list and
// wakes it via ProcWake once the condition clears. NET's Pull path is the
// only caller: Send/Recv resolve through a rendezvous table instead and
// wake their parties with ProcReady directly, never touching the pacing
// list.
func ProcBlock(cpu *Cpu_t, p *Pcb_t, state State, ts int64) {
	p.Lock()
	p.State = state
	p.Ts = ts
	p.Unlock()
	pacingPush(cpu, p)
}

// proc_ret records p's exit, folds its accounting into its parent, and
// wakes any parent waiting on it. Grounded on the tail of proc_wait's
// companion reap path in kern/proc.c.
func ProcRet(cpu *Cpu_t, p *Pcb_t) {
	p.Lock()
	p.State = Stop
	p.Unlock()
	if p.Parent != nil {
		p.Parent.Accnt.Add(&p.Accnt)
	}
	mid_unregister(p)
	releaseProcSlot()
	if p.Parent != nil {
		ProcWakeAll(cpu, p)
	}
}

// proc_set_label promotes p's label; proc_set_clearance promotes its
// clearance. Both are monotonic: neither ever lowers the value it promotes.
func ProcSetLabel(p *Pcb_t, t label.Tag)     { p.Lbl.Promote(t) }
func ProcSetClearance(p *Pcb_t, t label.Tag) { p.Lbl.PromoteClearance(t) }

// MidOf and FindByMid expose the package-level mid table to net and the
// syscall layer.
func MidOf(p *Pcb_t) uint64             { return p.Mid }
func FindByMid(mid uint64) (*Pcb_t, bool) { return mid_find(mid) }
