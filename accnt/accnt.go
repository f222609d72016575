// Package accnt tracks per-process resource consumption: ticks scheduled,
// migrations sent/received, and pages pulled over NET. A GET whose memory
// operation is neither copy nor merge logs a snapshot of the child's
// record (there is no separate ACCNT opcode), loosely as biscuit's Accnt_t
// backs its rusage syscall.
// Grounded on biscuit/src/accnt/accnt.go (Accnt_t), with the user/sys
// timeval fields replaced by the migration/pull/tick counters this kernel
// actually charges a process for.
package accnt

import (
	"sync"
	"sync/atomic"
)

// Accnt_t accumulates one process's resource usage. The embedded mutex
// lets Fetch take a consistent snapshot while Tick/Migrated/Pulled add
// concurrently from the scheduler and NET paths.
type Accnt_t struct {
	sync.Mutex
	Ticks     int64 // scheduler quanta run
	Migrouts  int64 // times this process migrated away from this node
	Migrins   int64 // times this process arrived via migration
	Pulls     int64 // remote pages pulled to satisfy a fault
	Sendbytes int64 // bytes handed to NET's labelled send path
}

func (a *Accnt_t) Tick(n int64)      { atomic.AddInt64(&a.Ticks, n) }
func (a *Accnt_t) Migrated(n int64)  { atomic.AddInt64(&a.Migrouts, n) }
func (a *Accnt_t) Migrin(n int64)    { atomic.AddInt64(&a.Migrins, n) }
func (a *Accnt_t) Pulled(n int64)    { atomic.AddInt64(&a.Pulls, n) }
func (a *Accnt_t) Sent(nbytes int64) { atomic.AddInt64(&a.Sendbytes, nbytes) }

// Add merges n's counters into a, used when a child process's usage is
// folded into its parent at exit.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	defer a.Unlock()
	a.Ticks += atomic.LoadInt64(&n.Ticks)
	a.Migrouts += atomic.LoadInt64(&n.Migrouts)
	a.Migrins += atomic.LoadInt64(&n.Migrins)
	a.Pulls += atomic.LoadInt64(&n.Pulls)
	a.Sendbytes += atomic.LoadInt64(&n.Sendbytes)
}

// Snapshot is the exported form GET fetches and logs.
type Snapshot struct {
	Ticks     int64
	Migrouts  int64
	Migrins   int64
	Pulls     int64
	Sendbytes int64
}

// Fetch returns a consistent snapshot of a's counters.
func (a *Accnt_t) Fetch() Snapshot {
	a.Lock()
	defer a.Unlock()
	return Snapshot{
		Ticks:     a.Ticks,
		Migrouts:  a.Migrouts,
		Migrins:   a.Migrins,
		Pulls:     a.Pulls,
		Sendbytes: a.Sendbytes,
	}
}

// OverBudget reports whether a's accumulated ticks exceed max, the
// repurposed Pmcmax field of the owning Pcb_t -- a process that runs past
// its tick budget is a candidate for the scheduler to deprioritize or the
// operator to kill, mirroring how Pmcmax gated perf-counter overflow in
// original_source/kern/proc.h.
func (a *Accnt_t) OverBudget(max int64) bool {
	if max <= 0 {
		return false
	}
	return atomic.LoadInt64(&a.Ticks) > max
}
