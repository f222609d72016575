package file

import (
	"bytes"
	"testing"

	"distkernel/defs"
)

func TestBlobReadCursor(t *testing.T) {
	b := NewBlob([]byte("hello world"))
	first := make([]byte, 5)
	n, err := b.Read(first)
	if err != 0 || n != 5 || string(first) != "hello" {
		t.Fatalf("first read: n=%d err=%v data=%q", n, err, first)
	}
	rest := make([]byte, 32)
	n, err = b.Read(rest)
	if err != 0 || string(rest[:n]) != " world" {
		t.Fatalf("second read: n=%d err=%v data=%q", n, err, rest[:n])
	}
	n, err = b.Read(rest)
	if err != 0 || n != 0 {
		t.Fatalf("read past end: n=%d err=%v", n, err)
	}
	if _, err := b.Write([]byte("x")); err != -defs.EINVAL {
		t.Fatalf("expected write to be rejected, got %v", err)
	}
}

func TestConsInFeedAndRead(t *testing.T) {
	c := &ConsIn{}
	c.Feed([]byte("abc"))
	c.Feed([]byte("def"))

	buf := make([]byte, 4)
	n, err := c.Read(buf)
	if err != 0 || string(buf[:n]) != "abcd" {
		t.Fatalf("first read: n=%d err=%v data=%q", n, err, buf[:n])
	}
	n, err = c.Read(buf)
	if err != 0 || string(buf[:n]) != "ef" {
		t.Fatalf("second read: n=%d err=%v data=%q", n, err, buf[:n])
	}
}

func TestConsOutDrain(t *testing.T) {
	c := &ConsOut{}
	if n, err := c.Write([]byte("first")); err != 0 || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	var out bytes.Buffer
	if !c.Drain(&out) {
		t.Fatalf("expected Drain to report pending output")
	}
	if out.String() != "first" {
		t.Fatalf("got %q, want %q", out.String(), "first")
	}

	if c.Drain(&out) {
		t.Fatalf("expected Drain to report nothing pending")
	}

	c.Write([]byte("second"))
	out.Reset()
	if !c.Drain(&out) || out.String() != "second" {
		t.Fatalf("got %q, want %q", out.String(), "second")
	}
}

func TestRingbufWraparound(t *testing.T) {
	r := newRingbuf(4)
	if n := r.write([]byte{1, 2, 3}); n != 3 {
		t.Fatalf("write: got %d want 3", n)
	}
	out := make([]byte, 2)
	if n := r.read(out); n != 2 || out[0] != 1 || out[1] != 2 {
		t.Fatalf("read: got %v n=%d", out, n)
	}
	// head is now 3 and tail 2 in a 4-slot ring; the next write runs past
	// the buffer's physical end and must wrap around correctly.
	if n := r.write([]byte{4, 5, 6}); n != 3 {
		t.Fatalf("write after partial read: got %d want 3", n)
	}
	rest := make([]byte, 4)
	n := r.read(rest)
	if n != 4 || string(rest) != string([]byte{3, 4, 5, 6}) {
		t.Fatalf("read after wraparound: got %v n=%d", rest[:n], n)
	}
}

func TestRingbufFullDropsExcess(t *testing.T) {
	r := newRingbuf(2)
	if n := r.write([]byte{1, 2, 3}); n != 2 {
		t.Fatalf("expected write to be capped at capacity, got %d", n)
	}
	if !r.full() {
		t.Fatalf("expected buffer full")
	}
	if n := r.write([]byte{9}); n != 0 {
		t.Fatalf("expected full buffer to accept nothing, got %d", n)
	}
}

func TestTableFixedInodes(t *testing.T) {
	tb := NewTable()

	if _, ok := tb.Get(defs.InodeRoot); !ok {
		t.Fatalf("expected root inode present")
	}
	if _, ok := tb.Get(defs.InodeConsIn); !ok {
		t.Fatalf("expected console-in inode present")
	}
	if _, ok := tb.Get(defs.InodeConsOut); !ok {
		t.Fatalf("expected console-out inode present")
	}
	if _, ok := tb.Get(999); ok {
		t.Fatalf("expected unknown inode absent")
	}

	ino := tb.AddBlob([]byte("payload"))
	if ino < defs.InodeBlobLo {
		t.Fatalf("expected blob inode >= %d, got %d", defs.InodeBlobLo, ino)
	}
	o, ok := tb.Get(ino)
	if !ok {
		t.Fatalf("expected blob inode resolvable")
	}
	buf := make([]byte, 7)
	if n, err := o.Read(buf); err != 0 || string(buf[:n]) != "payload" {
		t.Fatalf("blob read: n=%d err=%v data=%q", n, err, buf[:n])
	}

	tb.ConsIn().Feed([]byte("typed"))
	cin := make([]byte, 5)
	if n, _ := tb.ConsIn().Read(cin); string(cin[:n]) != "typed" {
		t.Fatalf("ConsIn accessor round trip failed: got %q", cin[:n])
	}

	tb.ConsOut().Write([]byte("printed"))
	var sink bytes.Buffer
	if !tb.ConsOut().Drain(&sink) || sink.String() != "printed" {
		t.Fatalf("ConsOut accessor round trip failed: got %q", sink.String())
	}
}
