// Package limits bounds the system-wide resource pools PM and NET draw
// from: concurrent processes, in-flight migrations, outstanding page
// pulls, and queued labelled sends. Grounded on biscuit/src/limits/limits.go
// (Syslimit_t/Sysatomic_t), with the socket/vnode/futex/arp/route pools of
// a POSIX kernel replaced by the pools this distributed-process model
// actually has.
package limits

import "sync/atomic"

// Sysatomic_t is a counted resource pool: Take reserves one unit and
// reports whether the pool had room; Give releases one unit back.
type Sysatomic_t int64

func (s *Sysatomic_t) ptr() *int64 { return (*int64)(s) }

// Given enlarges the pool by n. Give, which each release site calls to
// return one unit, is Given(1).
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s.ptr(), int64(n))
}

// Taken reserves n units, returning false and restoring the pool
// unchanged if that would drive it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(s.ptr(), -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(s.ptr(), int64(n))
	return false
}

func (s *Sysatomic_t) Take() bool { return s.Taken(1) }
func (s *Sysatomic_t) Give()      { s.Given(1) }

// Syslimit_t holds the cluster node's resource caps. Every field is a
// remaining-capacity counter, decremented by Taken and restored by Given.
type Syslimit_t struct {
	Sysprocs   int         // hard cap on live PCBs, checked at proc_alloc
	Migrations Sysatomic_t // concurrent in-flight migrations (MIGRQ sent, no MIGRP yet)
	Pulls      Sysatomic_t // concurrent in-flight page pulls (PULLRQ sent, parts outstanding)
	Sendqueue  Sysatomic_t // queued labelled sends awaiting a RECVRQ match
}

// Syslimit is the single process-wide instance every package consults.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default resource caps for one cluster node.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:   4096,
		Migrations: 64,
		Pulls:      256,
		Sendqueue:  1024,
	}
}
