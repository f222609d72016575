// Wire encoding for the distributed process protocol's packets. Every
// packet is one Ethernet frame (EtherType EtherType) whose payload is a
// fixed 25-byte header (headerLen) followed by an opcode-specific body, grounded on
// original_source/kern/net.c's net_tx_*/net_rx_* framing and encoded here
// with encoding/binary rather than C struct layout.
package net

import (
	"encoding/binary"
	"fmt"
)

// Op identifies a packet's purpose. Grounded on the opcode set of
// kern/net.c: migration, three-part remote-page pull, and labelled
// send/recv/fetch.
type Op uint8

const (
	OpMigrq Op = iota + 1
	OpMigrp
	OpPullrq
	OpPullrp
	OpSendrq
	OpSendrp
	OpRecvrq
	OpRecvrp
	OpFetchrq
	OpFetchrp
)

func (o Op) String() string {
	names := map[Op]string{
		OpMigrq: "MIGRQ", OpMigrp: "MIGRP",
		OpPullrq: "PULLRQ", OpPullrp: "PULLRP",
		OpSendrq: "SENDRQ", OpSendrp: "SENDRP",
		OpRecvrq: "RECVRQ", OpRecvrp: "RECVRP",
		OpFetchrq: "FETCHRQ", OpFetchrp: "FETCHRP",
	}
	if n, ok := names[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", o)
}

// headerLen is the fixed prefix every packet carries: opcode, sequence
// number (for retransmit dedup), source mid, destination mid, and a
// 32-bit body length.
const headerLen = 1 + 4 + 8 + 8 + 4

type header struct {
	Op   Op
	Seq  uint32
	Src  uint64
	Dst  uint64
	Blen uint32
}

func (h header) marshal() []byte {
	b := make([]byte, headerLen)
	b[0] = byte(h.Op)
	binary.BigEndian.PutUint32(b[1:5], h.Seq)
	binary.BigEndian.PutUint64(b[5:13], h.Src)
	binary.BigEndian.PutUint64(b[13:21], h.Dst)
	binary.BigEndian.PutUint32(b[21:25], h.Blen)
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	if len(b) < headerLen {
		return header{}, fmt.Errorf("net: short packet header (%d bytes)", len(b))
	}
	return header{
		Op:   Op(b[0]),
		Seq:  binary.BigEndian.Uint32(b[1:5]),
		Src:  binary.BigEndian.Uint64(b[5:13]),
		Dst:  binary.BigEndian.Uint64(b[13:21]),
		Blen: binary.BigEndian.Uint32(b[21:25]),
	}, nil
}

// packet is a fully decoded frame: header plus body bytes.
type packet struct {
	header
	Body []byte
}

func (p packet) marshal() []byte {
	h := p.header
	h.Blen = uint32(len(p.Body))
	return append(h.marshal(), p.Body...)
}

func unmarshalPacket(b []byte) (packet, error) {
	h, err := unmarshalHeader(b)
	if err != nil {
		return packet{}, err
	}
	rest := b[headerLen:]
	if uint32(len(rest)) < h.Blen {
		return packet{}, fmt.Errorf("net: truncated body: want %d have %d", h.Blen, len(rest))
	}
	return packet{header: h, Body: rest[:h.Blen]}, nil
}

// pullBody is PULLRQ/PULLRP's opcode-specific body: which page-map level
// and virtual address is being fetched, plus (for PULLRP) which of the
// three reassembly parts this datagram carries. A full frame -- flags,
// address, and 4 KiB of data -- does not fit in one Ethernet frame, so
// PULLRP is split into three parts the puller reassembles by Part,
// grounded on kern/net.c's net_rxfetchrp three-part handling.
type pullBody struct {
	VA    uint64
	Level uint8
	Part  uint8 // 0: permission byte, 1: data[0:2048], 2: data[2048:4096]
	Data  []byte
}

func (b pullBody) marshal() []byte {
	out := make([]byte, 10)
	binary.BigEndian.PutUint64(out[0:8], b.VA)
	out[8] = b.Level
	out[9] = b.Part
	return append(out, b.Data...)
}

func unmarshalPullBody(b []byte) (pullBody, error) {
	if len(b) < 10 {
		return pullBody{}, fmt.Errorf("net: short pull body")
	}
	return pullBody{
		VA:    binary.BigEndian.Uint64(b[0:8]),
		Level: b[8],
		Part:  b[9],
		Data:  b[10:],
	}, nil
}

// SENDRQ carries no body at all: it is just "I want to send to you", and
// the header's Src/Dst mids already say who. The sender's label and the
// transfer's address window only travel once the receiver has answered
// with its clearance, in recvrqBody/recvrpBody below.

// recvrqBody is RECVRQ's opcode-specific body: the receiver's clearance,
// which the sender evaluates against its own label once RECVRQ arrives.
type recvrqBody struct {
	Clearance uint64
}

func (b recvrqBody) marshal() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, b.Clearance)
	return out
}

func unmarshalRecvrqBody(b []byte) (recvrqBody, error) {
	if len(b) < 8 {
		return recvrqBody{}, fmt.Errorf("net: short RECVRQ body")
	}
	return recvrqBody{Clearance: binary.BigEndian.Uint64(b[0:8])}, nil
}

// recvrpBody is RECVRP's opcode-specific body: the address window the
// sender will hand over through FETCHRQ/FETCHRP, and the label travelling
// with it. A Size of zero collapses the transfer to a wake-only
// handshake -- the label check failed, SrcVA/DstVA/Label go unused, and
// the receiver completes having moved nothing.
type recvrpBody struct {
	SrcVA uint64
	DstVA uint64
	Size  uint64
	Label uint64
}

func (b recvrpBody) marshal() []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[0:8], b.SrcVA)
	binary.BigEndian.PutUint64(out[8:16], b.DstVA)
	binary.BigEndian.PutUint64(out[16:24], b.Size)
	binary.BigEndian.PutUint64(out[24:32], b.Label)
	return out
}

func unmarshalRecvrpBody(b []byte) (recvrpBody, error) {
	if len(b) < 32 {
		return recvrpBody{}, fmt.Errorf("net: short RECVRP body")
	}
	return recvrpBody{
		SrcVA: binary.BigEndian.Uint64(b[0:8]),
		DstVA: binary.BigEndian.Uint64(b[8:16]),
		Size:  binary.BigEndian.Uint64(b[16:24]),
		Label: binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// fetchrqBody is FETCHRQ's opcode-specific body: which page of the
// transfer window the receiver wants next. A SrcVA equal to the window's
// upper bound is not a page request at all -- it is the termination ping
// that retires the transfer on both ends.
type fetchrqBody struct {
	SrcVA uint64
}

func (b fetchrqBody) marshal() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, b.SrcVA)
	return out
}

func unmarshalFetchrqBody(b []byte) (fetchrqBody, error) {
	if len(b) < 8 {
		return fetchrqBody{}, fmt.Errorf("net: short FETCHRQ body")
	}
	return fetchrqBody{SrcVA: binary.BigEndian.Uint64(b[0:8])}, nil
}

// fetchrpBody is FETCHRP's opcode-specific body: one of a page's three
// reassembly parts, the same Part/Data shape as pullBody. The
// termination ping's reply carries Part 0 and no data.
type fetchrpBody struct {
	SrcVA uint64
	Part  uint8
	Data  []byte
}

func (b fetchrpBody) marshal() []byte {
	out := make([]byte, 9)
	binary.BigEndian.PutUint64(out[0:8], b.SrcVA)
	out[8] = b.Part
	return append(out, b.Data...)
}

func unmarshalFetchrpBody(b []byte) (fetchrpBody, error) {
	if len(b) < 9 {
		return fetchrpBody{}, fmt.Errorf("net: short FETCHRP body")
	}
	return fetchrpBody{SrcVA: binary.BigEndian.Uint64(b[0:8]), Part: b[8], Data: b[9:]}, nil
}
