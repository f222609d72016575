// Package net implements the cross-node half of the distributed process
// model: process migration, on-demand remote-page pull, and labelled
// send/recv rendezvous, plus the periodic retransmit sweep that covers
// all three against lost frames. Grounded on original_source/kern/net.c
// (net_tx_*/net_rx_* handler pairs and the "every 64 ticks" retransmit
// cadence) and framed over Ethernet via gopacket (device.go).
package net

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"distkernel/defs"
	"distkernel/label"
	"distkernel/limits"
	"distkernel/mem"
	"distkernel/proc"
	"distkernel/vm"
)

// retransmitTicks is the default cadence of the retransmit sweep: an
// unacknowledged MIGRQ/PULLRQ/SENDRQ is resent once every this many
// scheduler ticks, unless a cluster config overrides it via
// Net_t.RetransmitTicks.
const retransmitTicks = 64

// Net_t is one cluster node's NET state: the device it frames packets
// over, the node's address book, and the pending-request tables the
// retransmit sweep walks.
type Net_t struct {
	sync.Mutex
	Dev             Device
	Node            int
	Addr            map[int][6]byte // node number -> MAC
	Mem             *mem.Physmem_t
	Cpu             *proc.Cpu_t
	RetransmitTicks int64 // cadence override; defaults to retransmitTicks
	seq             uint32
	tick            int64

	migrations map[uint64]*migrPending   // keyed by migrating process's mid
	pulls      map[pullKey]*pullPending  // keyed by (faulting process's mid, va)
	sends      map[uint64]*sendPending   // keyed by sender mid
	recvs      map[uint64]*recvPending   // keyed by receiver mid
	fetches    map[uint64]*fetchPending  // keyed by receiver mid, once RECVRQ has gone out
}

func New(dev Device, node int, addr map[int][6]byte, m *mem.Physmem_t, cpu *proc.Cpu_t) *Net_t {
	return &Net_t{
		Dev:             dev,
		Node:            node,
		Addr:            addr,
		Mem:             m,
		Cpu:             cpu,
		RetransmitTicks: retransmitTicks,
		migrations:      make(map[uint64]*migrPending),
		pulls:           make(map[pullKey]*pullPending),
		sends:           make(map[uint64]*sendPending),
		recvs:           make(map[uint64]*recvPending),
		fetches:         make(map[uint64]*fetchPending),
	}
}

// retransmitCadence returns the effective sweep period: the cluster config
// override when positive, otherwise the package default.
func (n *Net_t) retransmitCadence() int64 {
	if n.RetransmitTicks > 0 {
		return n.RetransmitTicks
	}
	return retransmitTicks
}

func (n *Net_t) nextSeq() uint32 {
	n.Lock()
	defer n.Unlock()
	n.seq++
	return n.seq
}

func (n *Net_t) send(dst int, op Op, src, dstMid uint64, body []byte) error {
	mac, ok := n.Addr[dst]
	if !ok {
		return fmt.Errorf("net: no address for node %d", dst)
	}
	p := packet{header: header{Op: op, Seq: n.nextSeq(), Src: src, Dst: dstMid}, Body: body}
	return n.Dev.WriteFrame(mac, p.marshal())
}

// HandleFrame decodes one inbound frame and dispatches it to the right
// opcode handler, along with the node number the frame's sender
// identified itself as (carried in each opcode's body, since a mid alone
// does not say which node sent it).
func (n *Net_t) HandleFrame(fromNode int, payload []byte) error {
	p, err := unmarshalPacket(payload)
	if err != nil {
		return err
	}
	switch p.Op {
	case OpMigrq:
		return n.handleMigrq(fromNode, p)
	case OpMigrp:
		return n.handleMigrp(p)
	case OpPullrq:
		return n.handlePullrq(fromNode, p)
	case OpPullrp:
		return n.handlePullrp(p)
	case OpSendrq:
		return n.handleSendrq(fromNode, p)
	case OpRecvrq:
		return n.handleRecvrq(fromNode, p)
	case OpRecvrp:
		return n.handleRecvrp(fromNode, p)
	case OpFetchrq:
		return n.handleFetchrq(fromNode, p)
	case OpFetchrp:
		return n.handleFetchrp(p)
	case OpSendrp:
		return nil // purely informational ack; no pending state to clear
	default:
		return fmt.Errorf("net: unknown opcode %v", p.Op)
	}
}

// ---- migration ----

type migrPending struct {
	p        *proc.Pcb_t
	dest     int
	lastTick int64
}

// Migrate freezes p and sends MIGRQ to dest, parking p in proc.Migr until
// MIGRP acknowledges arrival. The page map itself stays on this node and
// is resolved lazily by Pull once the arrived process faults, so a
// migration never blocks on shipping the whole address space up front.
// Grounded on net_tx_migrq in kern/net.c.
func (n *Net_t) Migrate(p *proc.Pcb_t, dest int) defs.Err_t {
	if !limits.Syslimit.Migrations.Take() {
		return -defs.ENOMEM
	}
	p.Lock()
	p.State = proc.Migr
	p.Migrdest = dest
	mid := p.Mid
	lbl := p.Lbl.Label()
	clr := p.Lbl.Clearance()
	p.Unlock()

	n.Lock()
	n.migrations[mid] = &migrPending{p: p, dest: dest, lastTick: n.tick}
	n.Unlock()

	if err := n.send(dest, OpMigrq, mid, 0, migrBody{Home: n.Node, Label: lbl, Clearance: clr}.marshal()); err != nil {
		return -defs.EPACKET
	}
	return 0
}

type migrBody struct {
	Home      int
	Label     label.Tag
	Clearance label.Tag
}

func (b migrBody) marshal() []byte {
	out := make([]byte, 17)
	out[0] = byte(b.Home)
	putU64(out[1:9], uint64(b.Label))
	putU64(out[9:17], uint64(b.Clearance))
	return out
}

func unmarshalMigrBody(b []byte) (migrBody, error) {
	if len(b) < 17 {
		return migrBody{}, fmt.Errorf("net: short MIGRQ body")
	}
	return migrBody{
		Home:      int(b[0]),
		Label:     label.Tag(getU64(b[1:9])),
		Clearance: label.Tag(getU64(b[9:17])),
	}, nil
}

func (n *Net_t) handleMigrq(fromNode int, pk packet) error {
	mb, err := unmarshalMigrBody(pk.Body)
	if err != nil {
		return err
	}

	np, perr := proc.ProcAlloc(nil)
	if perr != 0 {
		return fmt.Errorf("net: MIGRQ: %v", perr)
	}
	np.Lock()
	np.Home = mb.Home
	np.Unlock()
	proc.AdoptMid(np, pk.Src)
	proc.ProcSetLabel(np, mb.Label)
	proc.ProcSetClearance(np, mb.Clearance)

	as, verr := vm.NewAS(n.Mem)
	if verr != 0 {
		return fmt.Errorf("net: MIGRQ: %v", verr)
	}
	np.Pml4 = as
	np.Accnt.Migrin(1)
	proc.ProcReady(n.Cpu, np)

	return n.send(fromNode, OpMigrp, pk.Src, pk.Src, nil)
}

func (n *Net_t) handleMigrp(pk packet) error {
	n.Lock()
	pending, ok := n.migrations[pk.Dst]
	if ok {
		delete(n.migrations, pk.Dst)
	}
	n.Unlock()
	if !ok {
		return nil // stale or duplicate ack
	}
	limits.Syslimit.Migrations.Give()
	pending.p.Lock()
	pending.p.State = proc.Away
	// Rrpml4 records only which node now holds the live copy; the process
	// kept its mid across the move (AdoptMid on the destination side), so
	// a later PULLRQ is addressed by mid, not by an encoded frame address.
	pending.p.Rrpml4 = mem.MakeRR(pending.dest, 0, 0)
	pending.p.Unlock()
	pending.p.Accnt.Migrated(1)
	return nil
}

// ---- remote page pull ----

type pullKey struct {
	mid uint64
	va  uint64
}

type pullPending struct {
	p        *proc.Pcb_t
	va       uintptr
	level    int
	lastTick int64
	perm     byte
	parts    [2][]byte // data halves, indexed by Part-1
	arrived  uint8     // bitmask over Part 0..2
}

// Pull requests the frame backing va (owned by rr's node) be copied into
// local memory so p's fault can be serviced, parking p in proc.Pull.
// Grounded on net_tx_pullrq/net_rxfetchrp in kern/net.c.
func (n *Net_t) Pull(p *proc.Pcb_t, va uintptr, level int, rr mem.RR) defs.Err_t {
	if !limits.Syslimit.Pulls.Take() {
		return -defs.ENOMEM
	}
	proc.ProcBlock(n.Cpu, p, proc.Pull, 0)
	p.Lock()
	p.Pullva = va
	p.Pullrr = rr
	p.Pglev = level
	p.Arrived = 0
	mid := p.Mid
	p.Unlock()

	n.Lock()
	n.pulls[pullKey{mid, uint64(va)}] = &pullPending{p: p, va: va, level: level, lastTick: n.tick}
	n.Unlock()

	body := pullBody{VA: uint64(va), Level: uint8(level)}.marshal()
	if err := n.send(rr.Node(), OpPullrq, mid, 0, body); err != nil {
		return -defs.EPACKET
	}
	return 0
}

// handlePullrq answers a peer's PULLRQ: va is resolved against the
// process that originally faulted it in (found via the requester's mid,
// which that process registered with mid_register before ever leaving
// this node), and its frame is split across three PULLRP parts --
// permission byte, then the two data halves -- since one frame does not
// fit in a single Ethernet payload.
func (n *Net_t) handlePullrq(fromNode int, pk packet) error {
	b, err := unmarshalPullBody(pk.Body)
	if err != nil {
		return err
	}
	owner, ok := proc.FindByMid(pk.Src)
	if !ok {
		return fmt.Errorf("net: PULLRQ from unknown mid %d", pk.Src)
	}
	va := uintptr(b.VA)
	pa, perm, found := n.localFrameFor(owner, va)
	if !found {
		return fmt.Errorf("net: PULLRQ for unmapped va %#x", va)
	}
	n.Mem.MarkShared(pa, fromNode)
	data := n.Mem.Dmap(pa)

	parts := [][]byte{
		{perm},
		append([]byte(nil), data[:mem.PGSIZE/2]...),
		append([]byte(nil), data[mem.PGSIZE/2:]...),
	}
	for part, d := range parts {
		body := pullBody{VA: b.VA, Level: b.Level, Part: uint8(part), Data: d}.marshal()
		if err := n.send(fromNode, OpPullrp, pk.Dst, pk.Src, body); err != nil {
			return err
		}
	}
	return nil
}

// localFrameFor resolves the frame backing va in owner's address space.
func (n *Net_t) localFrameFor(owner *proc.Pcb_t, va uintptr) (mem.Pa_t, byte, bool) {
	if owner == nil || owner.Pml4 == nil {
		return 0, 0, false
	}
	slot, err := owner.Pml4.Walk(va, false)
	if err != 0 || !slot.Present() {
		return 0, 0, false
	}
	var perm byte
	if slot.SysRead() {
		perm |= 1
	}
	if slot.SysWrite() {
		perm |= 2
	}
	return slot.Addr, perm, true
}

func (n *Net_t) handlePullrp(pk packet) error {
	b, err := unmarshalPullBody(pk.Body)
	if err != nil {
		return err
	}
	key := pullKey{pk.Dst, b.VA}
	n.Lock()
	pending, ok := n.pulls[key]
	n.Unlock()
	if !ok {
		return nil // stale or duplicate part
	}

	pending.p.Lock()
	switch b.Part {
	case 0:
		if len(b.Data) > 0 {
			pending.perm = b.Data[0]
		}
	case 1, 2:
		pending.parts[b.Part-1] = b.Data
	}
	pending.arrived |= 1 << b.Part
	done := pending.arrived == 0x7
	pending.p.Unlock()
	if !done {
		return nil
	}

	n.Lock()
	delete(n.pulls, key)
	n.Unlock()
	limits.Syslimit.Pulls.Give()

	pa, aerr := n.Mem.Alloc()
	if aerr != 0 {
		return fmt.Errorf("net: PULLRP: %v", aerr)
	}
	buf := n.Mem.Dmap(pa)
	copy(buf[:mem.PGSIZE/2], pending.parts[0])
	copy(buf[mem.PGSIZE/2:], pending.parts[1])

	var perm uint16
	if pending.perm&1 != 0 {
		perm |= mem.PteSysR
	}
	if pending.perm&2 != 0 {
		perm |= mem.PteSysW
	}
	if ierr := pending.p.Pml4.Insert(pa, pending.va, perm); ierr != 0 {
		return fmt.Errorf("net: PULLRP insert: %v", ierr)
	}
	pending.p.Accnt.Pulled(1)
	proc.ProcWake(n.Cpu, pending.p)
	return nil
}

// ---- labelled send/recv rendezvous ----

// sendPending is the sender-side bookkeeping for one outstanding Send: it
// lives from the initial SENDRQ (or, for a same-node destination, from
// the moment Send cannot match a waiting Recv immediately) until the
// transfer is fully retired -- by a failed label check's wake-only
// handshake, or by the FETCHRQ termination ping. p is always non-nil:
// this table only exists on the node that originated the send.
type sendPending struct {
	p        *proc.Pcb_t
	srcMid   uint64
	destMid  uint64
	peerNode int
	label    label.Tag
	srcVA    uintptr
	dstVA    uintptr
	size     uintptr
	lastTick int64
}

// recvPending is the receiver-side bookkeeping for a Recv call that
// hasn't yet found its matching Send, whether local or the SENDRQ that
// announces a remote one. peerNode is kept so the retransmit sweep can
// re-prompt the same node without waiting on srcNode to be passed again.
type recvPending struct {
	p        *proc.Pcb_t
	srcMid   uint64
	peerNode int
	lastTick int64
}

// fetchPending is the receiver-side state of an in-flight cross-node
// transfer, from the RECVRQ sent out to the final FETCHRQ termination
// ping. Before RECVRP answers, gotWindow is false and only srcMid/peerNode
// are meaningful; once it answers, cursor walks the window one page at a
// time with a 3-bit arrival mask identical to pullPending's.
type fetchPending struct {
	p         *proc.Pcb_t
	srcMid    uint64
	peerNode  int
	gotWindow bool
	srcVA     uintptr
	dstVA     uintptr
	size      uintptr
	label     label.Tag
	cursor    uintptr
	parts     [2][]byte
	arrived   uint8
	lastTick  int64
}

// Send posts a labelled send from p to destMid, carrying only the
// address window (srcVA in p's own space, dstVA in the destination's) --
// the bytes themselves move later, lazily, once a receiver is actually
// ready for them. Whether the label check passes is decided at the
// rendezvous, not here: a local destination that cannot accept p's label
// still completes the handshake, just with zero bytes transferred,
// exactly as the cross-node path's RECVRP does on a check failure.
func (n *Net_t) Send(p *proc.Pcb_t, destMid uint64, destNode int, srcVA, dstVA, size uintptr) defs.Err_t {
	if !limits.Syslimit.Sendqueue.Take() {
		return -defs.ENOMEM
	}
	p.Lock()
	p.State = proc.Send
	p.Remoteid = destMid
	p.Remoteva = srcVA
	mid := p.Mid
	senderLabel := p.Lbl.Label()
	p.Unlock()

	sp := &sendPending{p: p, srcMid: mid, destMid: destMid, peerNode: destNode, label: senderLabel, srcVA: srcVA, dstVA: dstVA, size: size, lastTick: n.tick}

	if dest, local := proc.FindByMid(destMid); local {
		n.Lock()
		rp, ok := n.recvs[destMid]
		if ok && rp.srcMid == mid {
			delete(n.recvs, destMid)
		} else {
			ok = false
		}
		n.Unlock()
		if ok {
			n.completeLocal(sp, dest)
			return 0
		}
		n.Lock()
		n.sends[mid] = sp
		n.Unlock()
		return 0
	}

	n.Lock()
	n.sends[mid] = sp
	n.Unlock()
	return n.send(destNode, OpSendrq, mid, destMid, nil)
}

// Recv posts a labelled receive on p for a message from srcMid and blocks
// until a matching Send completes the rendezvous. srcNode is the node
// srcMid lives on; it is only consulted when Recv reaches this node
// before the matching Send's SENDRQ does, so a RECVRQ can prompt the
// sender's node immediately instead of waiting on the retransmit sweep
// (pass the local node number, or any value, for a same-node srcMid).
func (n *Net_t) Recv(p *proc.Pcb_t, srcMid uint64, srcNode int) defs.Err_t {
	p.Lock()
	p.State = proc.Recv
	p.Remoteid = srcMid
	mid := p.Mid
	p.Unlock()

	n.Lock()
	sp, ok := n.sends[srcMid]
	if ok && sp.destMid == mid {
		delete(n.sends, srcMid)
	} else {
		ok = false
	}
	n.Unlock()
	switch {
	case ok && sp.p != nil:
		n.completeLocal(sp, p)
		return 0
	case ok:
		// The SENDRQ already arrived from a remote node; kick off the
		// RECVRQ/RECVRP/FETCHRQ round trip now instead of waiting for a
		// retransmit.
		return n.startFetch(p, sp.srcMid, sp.peerNode)
	}
	if srcNode != n.Node {
		// No SENDRQ has reached us yet, but the caller already knows which
		// node the sender lives on: prompt it directly with RECVRQ rather
		// than waiting on SENDRQ or the retransmit sweep. The fetches table
		// (not recvs) is what handleRecvrp looks up its reply against.
		return n.startFetch(p, srcMid, srcNode)
	}
	n.Lock()
	n.recvs[mid] = &recvPending{p: p, srcMid: srcMid, peerNode: srcNode, lastTick: n.tick}
	n.Unlock()
	return 0
}

// completeLocal resolves a same-node rendezvous directly, with no wire
// traffic at all: the bytes move straight between the two address spaces
// when the receiver's clearance accepts the sender's label, or not at
// all -- a clean zero-byte handshake -- when it doesn't. Either way both
// parties wake.
func (n *Net_t) completeLocal(sp *sendPending, receiver *proc.Pcb_t) {
	sender := sp.p
	if receiver.Lbl.CanReceive(sp.label) {
		buf := make([]byte, sp.size)
		if err := sender.Pml4.CopyOut(sp.srcVA, buf); err == 0 {
			receiver.Pml4.CopyIn(sp.dstVA, buf)
		}
		receiver.Lbl.Promote(sp.label)
		sender.Accnt.Sent(int64(sp.size))
	} else {
		sender.Accnt.Sent(0)
	}
	sender.Lock()
	sender.State = proc.Ready
	sender.Unlock()
	receiver.Lock()
	receiver.State = proc.Ready
	receiver.Unlock()
	proc.ProcReady(n.Cpu, sender)
	proc.ProcReady(n.Cpu, receiver)
	limits.Syslimit.Sendqueue.Give()
}

// startFetch sends the receiver's clearance to the sender's node and
// parks the receive in n.fetches until RECVRP answers.
func (n *Net_t) startFetch(p *proc.Pcb_t, srcMid uint64, peerNode int) defs.Err_t {
	mid := p.Mid
	n.Lock()
	n.fetches[mid] = &fetchPending{p: p, srcMid: srcMid, peerNode: peerNode, lastTick: n.tick}
	n.Unlock()
	body := recvrqBody{Clearance: uint64(p.Lbl.Clearance())}.marshal()
	if err := n.send(peerNode, OpRecvrq, mid, srcMid, body); err != nil {
		return -defs.EPACKET
	}
	return 0
}

// handleSendrq receives a cross-node send request -- just an
// announcement, with no label or data attached. If a local Recv is
// already posted for this sender, the RECVRQ/RECVRP exchange starts
// immediately; otherwise the pair is parked so a later Recv (or the
// retransmit sweep) discovers it.
func (n *Net_t) handleSendrq(fromNode int, pk packet) error {
	if _, ok := proc.FindByMid(pk.Dst); !ok {
		return fmt.Errorf("net: SENDRQ for unknown mid %d", pk.Dst)
	}
	n.Lock()
	rp, have := n.recvs[pk.Dst]
	if have && rp.srcMid == pk.Src {
		delete(n.recvs, pk.Dst)
	} else {
		have = false
	}
	n.Unlock()
	if have {
		n.startFetch(rp.p, pk.Src, fromNode)
		return nil
	}
	n.Lock()
	n.sends[pk.Src] = &sendPending{srcMid: pk.Src, destMid: pk.Dst, peerNode: fromNode, lastTick: n.tick}
	n.Unlock()
	return nil
}

// handleRecvrq receives a cross-node receive request carrying the
// receiver's clearance: the label check that decides whether any bytes
// move at all happens here, on the sender's own node, against its own
// sendPending entry -- never on the receiving node, which has no way to
// know the sender's label without asking.
func (n *Net_t) handleRecvrq(fromNode int, pk packet) error {
	rb, err := unmarshalRecvrqBody(pk.Body)
	if err != nil {
		return err
	}
	n.Lock()
	sp, have := n.sends[pk.Dst]
	if have && sp.destMid == pk.Src {
		sp.lastTick = n.tick
	} else {
		have = false
	}
	n.Unlock()
	if !have || sp.p == nil {
		return nil // no locally-originated send pending for that mid pair yet
	}
	return n.answerRecvrq(sp, fromNode, label.Tag(rb.Clearance))
}

// answerRecvrq evaluates sender_label <= receiver_clearance and replies
// RECVRP. On success it describes the real address window the receiver
// will pull through FETCHRQ; on failure it zeroes the window -- Size 0 --
// and retires the send right away as a clean, zero-byte handshake rather
// than ever surfacing an error to the sender.
func (n *Net_t) answerRecvrq(sp *sendPending, fromNode int, receiverClearance label.Tag) error {
	if !sp.label.Leq(receiverClearance) {
		n.Lock()
		delete(n.sends, sp.srcMid)
		n.Unlock()
		sp.p.Accnt.Sent(0)
		sp.p.Lock()
		sp.p.State = proc.Ready
		sp.p.Unlock()
		proc.ProcReady(n.Cpu, sp.p)
		limits.Syslimit.Sendqueue.Give()
		return n.send(fromNode, OpRecvrp, sp.srcMid, sp.destMid, recvrpBody{}.marshal())
	}
	body := recvrpBody{SrcVA: uint64(sp.srcVA), DstVA: uint64(sp.dstVA), Size: uint64(sp.size), Label: uint64(sp.label)}.marshal()
	return n.send(fromNode, OpRecvrp, sp.srcMid, sp.destMid, body)
}

// handleRecvrp answers the receiver's RECVRQ: a Size of zero is the
// wake-only handshake a label-check failure collapses to, and the
// receiver completes right here with nothing to fetch. Otherwise it
// records the window and starts pulling the first page.
func (n *Net_t) handleRecvrp(fromNode int, pk packet) error {
	rb, err := unmarshalRecvrpBody(pk.Body)
	if err != nil {
		return err
	}
	n.Lock()
	fp, ok := n.fetches[pk.Dst]
	n.Unlock()
	if !ok {
		return nil // stale or duplicate RECVRP
	}
	if rb.Size == 0 {
		n.Lock()
		delete(n.fetches, pk.Dst)
		n.Unlock()
		n.wakeReceiver(fp.p)
		return nil
	}

	fp.gotWindow = true
	fp.srcVA = uintptr(rb.SrcVA)
	fp.dstVA = uintptr(rb.DstVA)
	fp.size = uintptr(rb.Size)
	fp.label = label.Tag(rb.Label)
	fp.cursor = fp.srcVA
	fp.arrived = 0

	fp.p.Lock()
	fp.p.Remoteva = fp.cursor
	fp.p.Remotedst = fp.dstVA
	fp.p.Remotelimit = fp.srcVA + fp.size
	fp.p.Remotelabel = fp.label
	fp.p.Unlock()

	return n.sendFetchrq(fromNode, pk.Dst, fp)
}

func (n *Net_t) sendFetchrq(peerNode int, mid uint64, fp *fetchPending) error {
	body := fetchrqBody{SrcVA: uint64(fp.cursor)}.marshal()
	return n.send(peerNode, OpFetchrq, mid, fp.srcMid, body)
}

func (n *Net_t) wakeReceiver(p *proc.Pcb_t) {
	p.Lock()
	p.State = proc.Ready
	p.Unlock()
	proc.ProcReady(n.Cpu, p)
}

// handleFetchrq answers a receiver's request for one page of an
// in-flight send: the page at src-va is read directly out of the
// sender's own address space and split into three MTU-sized FETCHRP
// parts, mirroring handlePullrq's reassembly-by-part layout (an empty
// part 0, then the two data halves). A src-va equal to the window's
// upper bound is the termination ping: the sender replies with a single
// empty, part-0 FETCHRP and retires the send.
func (n *Net_t) handleFetchrq(fromNode int, pk packet) error {
	fb, err := unmarshalFetchrqBody(pk.Body)
	if err != nil {
		return err
	}
	n.Lock()
	sp, ok := n.sends[pk.Dst]
	n.Unlock()
	if !ok || sp.destMid != pk.Src || sp.p == nil {
		return nil // stale FETCHRQ for a send that already completed
	}
	srcVA := uintptr(fb.SrcVA)

	if srcVA == sp.srcVA+sp.size {
		n.Lock()
		delete(n.sends, pk.Dst)
		n.Unlock()
		sp.p.Accnt.Sent(int64(sp.size))
		sp.p.Lock()
		sp.p.State = proc.Ready
		sp.p.Unlock()
		proc.ProcReady(n.Cpu, sp.p)
		limits.Syslimit.Sendqueue.Give()
		return n.send(fromNode, OpFetchrp, pk.Dst, pk.Src, fetchrpBody{SrcVA: fb.SrcVA}.marshal())
	}

	data := make([]byte, mem.PGSIZE)
	if cerr := sp.p.Pml4.CopyOut(srcVA, data); cerr != 0 {
		return fmt.Errorf("net: FETCHRQ copyout: %v", cerr)
	}
	parts := [][]byte{
		nil,
		data[:mem.PGSIZE/2],
		data[mem.PGSIZE/2:],
	}
	for part, d := range parts {
		body := fetchrpBody{SrcVA: fb.SrcVA, Part: uint8(part), Data: append([]byte(nil), d...)}.marshal()
		if err := n.send(fromNode, OpFetchrp, pk.Dst, pk.Src, body); err != nil {
			return err
		}
	}
	return nil
}

// handleFetchrp assembles one page's three FETCHRP parts with the same
// 3-bit arrival mask handlePullrp uses, copies the page into the
// receiver's own address space at its window offset, then either
// requests the next page or -- once the termination ping's reply
// arrives -- promotes the receiver's label and wakes it.
func (n *Net_t) handleFetchrp(pk packet) error {
	fb, err := unmarshalFetchrpBody(pk.Body)
	if err != nil {
		return err
	}
	n.Lock()
	fp, ok := n.fetches[pk.Dst]
	n.Unlock()
	if !ok {
		return nil // stale or duplicate part
	}

	if uintptr(fb.SrcVA) == fp.srcVA+fp.size {
		n.Lock()
		delete(n.fetches, pk.Dst)
		n.Unlock()
		n.finishFetch(fp)
		return nil
	}
	if uintptr(fb.SrcVA) != fp.cursor {
		return nil // stale part for a page already advanced past
	}

	fp.p.Lock()
	switch fb.Part {
	case 1, 2:
		fp.parts[fb.Part-1] = fb.Data
	}
	fp.arrived |= 1 << fb.Part
	done := fp.arrived == 0x7
	fp.p.Unlock()
	if !done {
		return nil
	}

	buf := make([]byte, mem.PGSIZE)
	copy(buf[:mem.PGSIZE/2], fp.parts[0])
	copy(buf[mem.PGSIZE/2:], fp.parts[1])
	offset := fp.cursor - fp.srcVA
	if cerr := fp.p.Pml4.CopyIn(fp.dstVA+offset, buf); cerr != 0 {
		return fmt.Errorf("net: FETCHRP copyin: %v", cerr)
	}

	fp.arrived = 0
	fp.cursor += mem.PGSIZE
	fp.p.Lock()
	fp.p.Remoteva = fp.cursor
	fp.p.Unlock()
	return n.sendFetchrq(fp.peerNode, pk.Dst, fp)
}

func (n *Net_t) finishFetch(fp *fetchPending) {
	fp.p.Lbl.Promote(fp.label)
	fp.p.Lock()
	fp.p.State = proc.Ready
	fp.p.Unlock()
	proc.ProcReady(n.Cpu, fp.p)
}

// retransmitJob is one outstanding request due for resending: every
// pending table only ever needs op/src/dstMid/body (the receiving node is
// resolved from Addr at send time).
type retransmitJob struct {
	dst    int
	op     Op
	src    uint64
	dstMid uint64
	body   []byte
}

// Sweep drives the retransmit pass, once per cadence (retransmitTicks
// unless RetransmitTicks overrides it): MIGRQ, PULLRQ and SENDRQ for the
// migration, pull and send tables, RECVRQ for the recv table, and RECVRQ
// or FETCHRQ for the fetch table. Call once per scheduler tick with the
// current tick count. Due entries are collected under the
// table lock and their timestamps advanced there, then the actual frame
// writes run concurrently via errgroup once the lock is released --
// retransmits never need to serialize against each other or against a
// concurrent Migrate/Pull/Send/Recv/HandleFrame call.
func (n *Net_t) Sweep(tick int64) {
	n.Lock()
	n.tick = tick
	cadence := n.retransmitCadence()
	if tick%cadence != 0 {
		n.Unlock()
		return
	}

	var jobs []retransmitJob
	for mid, m := range n.migrations {
		if tick-m.lastTick >= cadence {
			m.lastTick = tick
			lbl := m.p.Lbl.Label()
			clr := m.p.Lbl.Clearance()
			body := migrBody{Home: n.Node, Label: lbl, Clearance: clr}.marshal()
			jobs = append(jobs, retransmitJob{dst: m.dest, op: OpMigrq, src: mid, body: body})
		}
	}
	for key, pp := range n.pulls {
		if tick-pp.lastTick >= cadence {
			pp.lastTick = tick
			body := pullBody{VA: key.va, Level: uint8(pp.level)}.marshal()
			jobs = append(jobs, retransmitJob{dst: pp.p.Pullrr.Node(), op: OpPullrq, src: key.mid, body: body})
		}
	}
	for mid, sp := range n.sends {
		if sp.p != nil && tick-sp.lastTick >= cadence {
			sp.lastTick = tick
			jobs = append(jobs, retransmitJob{dst: sp.peerNode, op: OpSendrq, src: mid, dstMid: sp.destMid})
		}
	}
	for mid, rp := range n.recvs {
		if rp.p != nil && tick-rp.lastTick >= cadence {
			rp.lastTick = tick
			body := recvrqBody{Clearance: uint64(rp.p.Lbl.Clearance())}.marshal()
			jobs = append(jobs, retransmitJob{dst: rp.peerNode, op: OpRecvrq, src: mid, dstMid: rp.srcMid, body: body})
		}
	}
	for mid, fp := range n.fetches {
		if tick-fp.lastTick >= cadence {
			fp.lastTick = tick
			if !fp.gotWindow {
				body := recvrqBody{Clearance: uint64(fp.p.Lbl.Clearance())}.marshal()
				jobs = append(jobs, retransmitJob{dst: fp.peerNode, op: OpRecvrq, src: mid, dstMid: fp.srcMid, body: body})
			} else {
				body := fetchrqBody{SrcVA: uint64(fp.cursor)}.marshal()
				jobs = append(jobs, retransmitJob{dst: fp.peerNode, op: OpFetchrq, src: mid, dstMid: fp.srcMid, body: body})
			}
		}
	}
	n.Unlock()

	var g errgroup.Group
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return n.send(j.dst, j.op, j.src, j.dstMid, j.body)
		})
	}
	g.Wait()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
