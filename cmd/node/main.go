//go:build linux

// Command node boots one member of the cluster: it loads the shared
// topology file, opens its NIC, and runs the scheduler/retransmit loop
// that drives proc and net. Grounded stylistically on
// biscuit/src/kernel/chentry.go's flat flag-parsed main() with
// log.Fatal on any startup failure.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"distkernel/config"
	"distkernel/file"
	"distkernel/mem"
	distnet "distkernel/net"
	"distkernel/proc"
)

func main() {
	cfgPath := flag.String("config", "cluster.json", "cluster topology file")
	self := flag.Int("node", 0, "this node's id, as listed in the cluster config")
	iface := flag.String("iface", "", "network interface name to send/receive frames on")
	frames := flag.Int("frames", 1<<16, "number of 4 KiB physical frames to carve out")
	flag.Parse()

	if *self == 0 {
		log.Fatal("node: -node is required")
	}

	cluster, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	addrs, err := cluster.Addresses()
	if err != nil {
		log.Fatal(err)
	}
	selfMAC, ok := addrs[*self]
	if !ok {
		log.Fatalf("node: id %d not present in %s", *self, *cfgPath)
	}

	ifi, err := net.InterfaceByName(*iface)
	if err != nil {
		log.Fatalf("node: %v", err)
	}
	conn, err := distnet.OpenRawSocket(ifi.Index)
	if err != nil {
		log.Fatal(err)
	}
	dev := distnet.NewLink(conn, selfMAC)

	m := mem.NewPhysmem(*frames)
	cpu := proc.NewCpu()
	n := distnet.New(dev, *self, addrs, m, cpu)
	n.RetransmitTicks = int64(cluster.RetransmitTicks)
	go recvLoop(dev, n, addrs)

	root, aerr := proc.ProcAlloc(nil)
	if aerr != 0 {
		log.Fatalf("node: failed to allocate root process: %v", aerr)
	}
	root.Files = file.NewTable()
	proc.ProcReady(cpu, root)

	log.Printf("node %d up: %d frames, %d peers", *self, *frames, len(addrs))
	run(cpu, n, root, time.Duration(cluster.TickMillis)*time.Millisecond)
}

// run is the node's scheduler loop: each tick, run one ready process's
// turn, drain the root process's console output, and sweep NET's
// retransmit tables. Inbound frames are serviced by recvLoop, running
// concurrently off the same NIC.
// Grounded on the cooperative scheduling loop implied by
// original_source/kern/proc.c's proc_sched/proc_run pairing, with the
// console drain taken from kern/file.c's cons_io.
func run(cpu *proc.Cpu_t, n *distnet.Net_t, root *proc.Pcb_t, quantum time.Duration) {
	var tick int64
	for {
		if p := proc.ProcSched(cpu); p != nil {
			proc.ProcRun(cpu, p)
			p.Accnt.Tick(1)
			if p.Accnt.OverBudget(p.Pmcmax) {
				log.Printf("node: mid %d over its tick budget (%d)", proc.MidOf(p), p.Pmcmax)
			}
			proc.ProcYield(cpu)
		}
		root.Files.ConsOut().Drain(os.Stdout)
		tick++
		n.Sweep(tick)
		time.Sleep(quantum)
	}
}

// recvLoop services inbound frames off the NIC, resolving each frame's
// source MAC back to a node number via the cluster's address book before
// handing it to Net_t.HandleFrame.
func recvLoop(dev distnet.Device, n *distnet.Net_t, addrs map[int][6]byte) {
	byMAC := make(map[[6]byte]int, len(addrs))
	for node, mac := range addrs {
		byMAC[mac] = node
	}
	for {
		src, payload, err := dev.ReadFrame()
		if err != nil {
			log.Printf("node: read frame: %v", err)
			continue
		}
		fromNode, ok := byMAC[src]
		if !ok {
			continue // frame from a MAC outside the cluster config
		}
		if err := n.HandleFrame(fromNode, payload); err != nil {
			log.Printf("node: handle frame from %d: %v", fromNode, err)
		}
	}
}
