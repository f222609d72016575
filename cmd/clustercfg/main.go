// Command clustercfg emits a cluster topology file for cmd/node to boot
// from. Grounded stylistically on biscuit/src/kernel/chentry.go's flat
// flag-parsed main().
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"distkernel/config"
)

func main() {
	out := flag.String("out", "cluster.json", "path to write the cluster config")
	macsFlag := flag.String("macs", "", "comma-separated MAC addresses, node 1..N in order")
	tick := flag.Int("tick-millis", 10, "scheduler quantum in milliseconds")
	retransmit := flag.Int("retransmit-ticks", 64, "ticks between NET retransmit sweeps")
	flag.Parse()

	if *macsFlag == "" {
		log.Fatal("clustercfg: -macs is required, e.g. -macs=aa:bb:cc:dd:ee:01,aa:bb:cc:dd:ee:02")
	}
	macs := strings.Split(*macsFlag, ",")

	c := &config.Cluster{TickMillis: *tick, RetransmitTicks: *retransmit}
	for i, mac := range macs {
		c.Nodes = append(c.Nodes, config.Node{ID: i + 1, MAC: strings.TrimSpace(mac)})
	}
	if err := config.Save(*out, c); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s: %d nodes\n", *out, len(c.Nodes))
}
