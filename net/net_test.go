package net

import (
	"sync/atomic"
	"testing"

	"distkernel/label"
	"distkernel/mem"
	"distkernel/proc"
	"distkernel/vm"
)

// loopDevice delivers frames written on one end directly to the paired
// end's HandleFrame, standing in for a real NIC in tests.
type loopDevice struct {
	self [6]byte
	peer *Net_t
	node int
}

func (d *loopDevice) LocalAddr() [6]byte { return d.self }
func (d *loopDevice) WriteFrame(dst [6]byte, payload []byte) error {
	return d.peer.HandleFrame(d.node, payload)
}
func (d *loopDevice) ReadFrame() ([6]byte, []byte, error) {
	return [6]byte{}, nil, nil
}

// newLoopPair wires two Net_t instances directly together without a real
// NIC, each standing in for one cluster node.
func newLoopPair(t *testing.T) (*Net_t, *Net_t) {
	t.Helper()
	m1 := mem.NewPhysmem(256)
	m2 := mem.NewPhysmem(256)
	cpu1 := proc.NewCpu()
	cpu2 := proc.NewCpu()

	mac1 := [6]byte{1}
	mac2 := [6]byte{2}
	addr := map[int][6]byte{1: mac1, 2: mac2}

	n1 := New(nil, 1, addr, m1, cpu1)
	n2 := New(nil, 2, addr, m2, cpu2)
	n1.Dev = &loopDevice{self: mac1, peer: n2, node: 1}
	n2.Dev = &loopDevice{self: mac2, peer: n1, node: 2}
	return n1, n2
}

// muteDevice accepts writes without ever delivering them, standing in for
// a peer that has gone silent -- the condition Sweep's retransmit pass
// exists to recover from.
type muteDevice struct {
	self  [6]byte
	sends int32
}

func (d *muteDevice) LocalAddr() [6]byte { return d.self }
func (d *muteDevice) WriteFrame([6]byte, []byte) error {
	atomic.AddInt32(&d.sends, 1)
	return nil
}
func (d *muteDevice) ReadFrame() ([6]byte, []byte, error) { return [6]byte{}, nil, nil }

// Sweep must resend an unacknowledged MIGRQ once retransmitTicks has
// elapsed, concurrently with any other due table, and advance the entry's
// lastTick so it is not resent again before the next window.
func TestSweepRetransmitsMigration(t *testing.T) {
	m := mem.NewPhysmem(64)
	cpu := proc.NewCpu()
	dev := &muteDevice{self: [6]byte{1}}
	addr := map[int][6]byte{1: {1}, 2: {2}}
	n := New(dev, 1, addr, m, cpu)

	p, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	if err := n.Migrate(p, 2); err != 0 {
		t.Fatalf("Migrate: %v", err)
	}
	if got := atomic.LoadInt32(&dev.sends); got != 1 {
		t.Fatalf("expected one MIGRQ send, got %d", got)
	}

	n.Sweep(retransmitTicks)
	if got := atomic.LoadInt32(&dev.sends); got != 2 {
		t.Fatalf("expected Sweep to resend the unacknowledged MIGRQ, got %d sends", got)
	}

	n.Lock()
	lastTick := n.migrations[p.Mid].lastTick
	n.Unlock()
	if lastTick != retransmitTicks {
		t.Fatalf("expected lastTick advanced to %d, got %d", retransmitTicks, lastTick)
	}

	// Before the next window, a second Sweep at the same tick count must
	// not resend.
	n.Sweep(retransmitTicks)
	if got := atomic.LoadInt32(&dev.sends); got != 2 {
		t.Fatalf("expected no resend within the same window, got %d sends", got)
	}
}

// A full migration round trip. The migrating process keeps its mid
// across the move and ends up Away, pointing at the destination node via
// Rrpml4.
func TestMigrationRoundTrip(t *testing.T) {
	n1, n2 := newLoopPair(t)

	p, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	originalMid := p.Mid

	if err := n1.Migrate(p, 2); err != 0 {
		t.Fatalf("Migrate: %v", err)
	}
	if p.State != proc.Away {
		t.Fatalf("expected source PCB State=Away after round trip, got %v", p.State)
	}
	if p.Mid != originalMid {
		t.Fatalf("expected mid preserved across migration, got %d want %d", p.Mid, originalMid)
	}
	if p.Rrpml4.Node() != 2 {
		t.Fatalf("expected remote reference to node 2, got %d", p.Rrpml4.Node())
	}

	n1.Lock()
	_, stillPending := n1.migrations[originalMid]
	n1.Unlock()
	if stillPending {
		t.Fatalf("expected migration entry cleared after MIGRP")
	}

	arrived, ok := proc.FindByMid(originalMid)
	if !ok || arrived.Home != 1 {
		t.Fatalf("expected arrived PCB registered under original mid with Home=1, got %v ok=%v", arrived, ok)
	}
	_ = n2
}

// A duplicate MIGRP (the destination's ack arrives twice, e.g. after a
// spurious retransmit) must not double-release the migration limit or
// re-run the Away transition.
func TestDuplicateMigrpIgnored(t *testing.T) {
	n1, n2 := newLoopPair(t)
	p, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	if err := n1.Migrate(p, 2); err != 0 {
		t.Fatalf("Migrate: %v", err)
	}
	// Replay the MIGRP the destination already sent.
	if err := n1.handleMigrp(packet{header: header{Op: OpMigrp, Src: p.Mid, Dst: p.Mid}}); err != nil {
		t.Fatalf("duplicate MIGRP: %v", err)
	}
	if p.State != proc.Away {
		t.Fatalf("expected State to remain Away, got %v", p.State)
	}
	_ = n2
}

// A send whose destination cannot accept the sender's label still
// completes the rendezvous -- both sides wake -- but moves zero bytes and
// leaves the receiver's label untouched, rather than surfacing an error.
func TestSendRefusedAboveClearance(t *testing.T) {
	n1, _ := newLoopPair(t)
	sender, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	receiver, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	proc.ProcSetLabel(sender, label.Tag(0x2))
	// receiver's clearance stays at the bottom element: 0x2 is not <= 0.

	if err := n1.Recv(receiver, sender.Mid, 1); err != 0 {
		t.Fatalf("Recv: %v", err)
	}
	if err := n1.Send(sender, receiver.Mid, 1, 0, 0, 0); err != 0 {
		t.Fatalf("Send: %v", err)
	}
	if got := receiver.Lbl.Label(); got != 0 {
		t.Fatalf("expected receiver label to stay untainted on a refused send, got %#x", got)
	}
	if sender.State != proc.Ready || receiver.State != proc.Ready {
		t.Fatalf("expected both parties Ready after the refused handshake, got sender=%v receiver=%v",
			sender.State, receiver.State)
	}
}

// A local send/recv rendezvous (both processes on the same node) joins
// the sender's label into the receiver's and delivers the payload
// without going over the wire.
func TestSendRecvLocalRendezvous(t *testing.T) {
	n1, _ := newLoopPair(t)
	sender, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	receiver, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	senderAS, verr := vm.NewAS(n1.Mem)
	if verr != 0 {
		t.Fatalf("NewAS: %v", verr)
	}
	receiverAS, verr := vm.NewAS(n1.Mem)
	if verr != 0 {
		t.Fatalf("NewAS: %v", verr)
	}
	sender.Pml4 = senderAS
	receiver.Pml4 = receiverAS

	pa, aerr := n1.Mem.Alloc()
	if aerr != 0 {
		t.Fatalf("alloc: %v", aerr)
	}
	if err := senderAS.Insert(pa, vm.USERLO, mem.PteSysR|mem.PteSysW); err != 0 {
		t.Fatalf("insert sender page: %v", err)
	}
	if err := senderAS.CopyIn(vm.USERLO, []byte("payload")); err != 0 {
		t.Fatalf("copyin: %v", err)
	}
	dpa, derr := n1.Mem.Alloc()
	if derr != 0 {
		t.Fatalf("alloc: %v", derr)
	}
	if err := receiverAS.Insert(dpa, vm.USERLO, mem.PteSysR|mem.PteSysW); err != 0 {
		t.Fatalf("insert receiver page: %v", err)
	}

	proc.ProcSetLabel(sender, label.Tag(0x1))
	proc.ProcSetClearance(receiver, label.Tag(0x1))

	if err := n1.Recv(receiver, sender.Mid, 1); err != 0 {
		t.Fatalf("Recv: %v", err)
	}
	if err := n1.Send(sender, receiver.Mid, 1, vm.USERLO, vm.USERLO, 7); err != 0 {
		t.Fatalf("Send: %v", err)
	}
	if got := receiver.Lbl.Label(); got != 0x1 {
		t.Fatalf("expected receiver label joined to 0x1, got %#x", got)
	}
	if sender.State != proc.Ready || receiver.State != proc.Ready {
		t.Fatalf("expected both parties Ready after rendezvous, got sender=%v receiver=%v",
			sender.State, receiver.State)
	}
	buf := make([]byte, 7)
	if err := receiverAS.CopyOut(vm.USERLO, buf); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("expected payload delivered to receiver, got %q", buf)
	}
}

// A cross-node send/recv: SENDRQ announces intent with no payload, the
// receiver answers RECVRQ with its clearance, the sender's RECVRP
// describes the real address window, and the receiver pulls the one
// page through FETCHRQ/FETCHRP, ending with the termination ping that
// retires both sides. Mid lookup has no node-affinity check, so the
// send table is seeded directly rather than through n1.Send -- the
// process registry is shared across both ends of newLoopPair, which
// would otherwise make Send treat the receiver as local.
func TestSendRecvCrossNodeFetch(t *testing.T) {
	n1, n2 := newLoopPair(t)

	sender, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	receiver, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	senderAS, verr := vm.NewAS(n1.Mem)
	if verr != 0 {
		t.Fatalf("NewAS: %v", verr)
	}
	receiverAS, verr := vm.NewAS(n2.Mem)
	if verr != 0 {
		t.Fatalf("NewAS: %v", verr)
	}
	sender.Pml4 = senderAS
	receiver.Pml4 = receiverAS

	pa, aerr := n1.Mem.Alloc()
	if aerr != 0 {
		t.Fatalf("alloc: %v", aerr)
	}
	if err := senderAS.Insert(pa, vm.USERLO, mem.PteSysR|mem.PteSysW); err != 0 {
		t.Fatalf("insert sender page: %v", err)
	}
	page := make([]byte, mem.PGSIZE)
	copy(page, "cross-node payload")
	if err := senderAS.CopyIn(vm.USERLO, page); err != 0 {
		t.Fatalf("copyin: %v", err)
	}
	dpa, derr := n2.Mem.Alloc()
	if derr != 0 {
		t.Fatalf("alloc: %v", derr)
	}
	if err := receiverAS.Insert(dpa, vm.USERLO, mem.PteSysR|mem.PteSysW); err != 0 {
		t.Fatalf("insert receiver page: %v", err)
	}

	proc.ProcSetLabel(sender, label.Tag(0x1))
	proc.ProcSetClearance(receiver, label.Tag(0x1))

	n1.Lock()
	n1.sends[sender.Mid] = &sendPending{
		p: sender, srcMid: sender.Mid, destMid: receiver.Mid, peerNode: 2,
		label: sender.Lbl.Label(), srcVA: vm.USERLO, dstVA: vm.USERLO, size: mem.PGSIZE,
	}
	n1.Unlock()
	sender.Lock()
	sender.State = proc.Send
	sender.Unlock()

	if err := n2.Recv(receiver, sender.Mid, 1); err != 0 {
		t.Fatalf("Recv: %v", err)
	}

	if sender.State != proc.Ready || receiver.State != proc.Ready {
		t.Fatalf("expected both parties Ready once the fetch completes, got sender=%v receiver=%v",
			sender.State, receiver.State)
	}
	if got := receiver.Lbl.Label(); got != 0x1 {
		t.Fatalf("expected receiver label joined to 0x1, got %#x", got)
	}
	buf := make([]byte, len("cross-node payload"))
	if err := receiverAS.CopyOut(vm.USERLO, buf); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	if string(buf) != "cross-node payload" {
		t.Fatalf("expected payload delivered across the wire, got %q", buf)
	}

	n1.Lock()
	_, stillPending := n1.sends[sender.Mid]
	n1.Unlock()
	if stillPending {
		t.Fatalf("expected the send entry retired once the termination ping completes")
	}
	n2.Lock()
	_, stillFetching := n2.fetches[receiver.Mid]
	n2.Unlock()
	if stillFetching {
		t.Fatalf("expected the fetch entry retired once the termination ping completes")
	}
}

// A cross-node send refused on label grounds resolves through RECVRP's
// Size-0 wake-only handshake instead of any FETCHRQ round trip.
func TestRecvrpZeroOnCrossNodeRefusal(t *testing.T) {
	n1, n2 := newLoopPair(t)
	sender, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	receiver, err := proc.ProcAlloc(nil)
	if err != 0 {
		t.Fatalf("ProcAlloc: %v", err)
	}
	proc.ProcSetLabel(sender, label.Tag(0x2))
	// receiver's clearance stays at the bottom element: 0x2 is not <= 0.

	n1.Lock()
	n1.sends[sender.Mid] = &sendPending{
		p: sender, srcMid: sender.Mid, destMid: receiver.Mid, peerNode: 2, label: sender.Lbl.Label(),
	}
	n1.Unlock()
	sender.Lock()
	sender.State = proc.Send
	sender.Unlock()

	if err := n2.Recv(receiver, sender.Mid, 1); err != 0 {
		t.Fatalf("Recv: %v", err)
	}
	if got := receiver.Lbl.Label(); got != 0 {
		t.Fatalf("expected receiver label to stay untainted, got %#x", got)
	}
	if sender.State != proc.Ready || receiver.State != proc.Ready {
		t.Fatalf("expected both parties Ready after the refused handshake, got sender=%v receiver=%v",
			sender.State, receiver.State)
	}
	n1.Lock()
	_, stillPending := n1.sends[sender.Mid]
	n1.Unlock()
	if stillPending {
		t.Fatalf("expected the refused send entry cleared")
	}
	n2.Lock()
	_, stillFetching := n2.fetches[receiver.Mid]
	n2.Unlock()
	if stillFetching {
		t.Fatalf("expected no fetch entry left behind by a zero-byte handshake")
	}
}

func TestPullBodyWireRoundTrip(t *testing.T) {
	b := pullBody{VA: 0x1000, Level: 2, Part: 1, Data: []byte{1, 2, 3, 4}}
	got, err := unmarshalPullBody(b.marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.VA != b.VA || got.Level != b.Level || got.Part != b.Part || len(got.Data) != len(b.Data) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, b)
	}
}

func TestPacketWireRoundTrip(t *testing.T) {
	p := packet{header: header{Op: OpSendrq, Seq: 7, Src: 11, Dst: 22}, Body: []byte("hello")}
	got, err := unmarshalPacket(p.marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Op != p.Op || got.Seq != p.Seq || got.Src != p.Src || got.Dst != p.Dst || string(got.Body) != string(p.Body) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}
