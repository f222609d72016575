// Package file implements the root process's synthetic file table: a
// handful of fixed inodes pinned at well-known numbers rather than a real
// filesystem. Grounded on original_source/kern/file.c's file_initroot
// (inode numbering and console fd wiring) and kern/cons.c's cons_io (the
// console-in/console-out drain loop), adapted from fd.Fd_t's shape
// (biscuit/src/fd/fd.go) since no fdops source file survived retrieval.
// The console devices are backed by ringbuf, adapted from
// biscuit/src/circbuf/circbuf.go.
package file

import (
	"io"
	"sync"

	"distkernel/defs"
)

// Ops is the operation set every synthetic file-table entry implements.
// Grounded on fdops.Fdops_i's Read/Write/Close/Reopen shape; Reopen has no
// counterpart here since none of these entries are ever duplicated.
type Ops interface {
	Read(p []byte) (int, defs.Err_t)
	Write(p []byte) (int, defs.Err_t)
	Close() defs.Err_t
}

// Dir is the minimal root directory entry, inode defs.InodeRoot. It carries
// no children listing of its own; the Table is the directory's real
// contents.
type Dir struct{}

func (Dir) Read([]byte) (int, defs.Err_t)  { return 0, -defs.EINVAL }
func (Dir) Write([]byte) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (Dir) Close() defs.Err_t              { return 0 }

// Blob is a fixed byte-slice file -- one of the initial file image blobs
// placed at inodes >= defs.InodeBlobLo. Reads advance a cursor; writes
// are rejected, since these are read-only bootstrap images (grounded on
// file_initroot's initfiles table, which is populated once at boot and
// never subsequently written by the kernel).
type Blob struct {
	mu   sync.Mutex
	data []byte
	pos  int
}

func NewBlob(data []byte) *Blob {
	return &Blob{data: append([]byte(nil), data...)}
}

func (b *Blob) Read(p []byte) (int, defs.Err_t) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos >= len(b.data) {
		return 0, 0
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, 0
}

func (b *Blob) Write([]byte) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (b *Blob) Close() defs.Err_t              { return 0 }

// ConsIn is the console-input special file (inode defs.InodeConsIn). A real
// device's interrupt handler calls Feed as characters arrive (cons_intr in
// kern/cons.c); the root process drains them with Read. Backed by a
// fixed-capacity ringbuf rather than an ever-growing slice, so a root
// process that never reads cannot grow this buffer without bound -- excess
// fed bytes are dropped, same as circbuf's "buffer full" behavior.
type ConsIn struct {
	mu  sync.Mutex
	rb  ringbuf
}

func (c *ConsIn) Feed(data []byte) {
	c.mu.Lock()
	if c.rb.buf == nil {
		c.rb = *newRingbuf(consBufCap)
	}
	c.rb.write(data)
	c.mu.Unlock()
}

func (c *ConsIn) Read(p []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rb.buf == nil {
		return 0, 0
	}
	return c.rb.read(p), 0
}

func (c *ConsIn) Write([]byte) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (c *ConsIn) Close() defs.Err_t              { return 0 }

// ConsOut is the console-output special file (inode defs.InodeConsOut): the
// root process appends to it with Write, and Drain copies whatever has
// accumulated out to the real console device -- the Go analogue of
// cons_io's "Console output from the root process's console output file"
// half. Also ringbuf-backed: a write exceeding the remaining capacity is
// truncated rather than growing memory without bound, matching circbuf's
// fixed single-page capacity.
type ConsOut struct {
	mu sync.Mutex
	rb ringbuf
}

func (c *ConsOut) Write(p []byte) (int, defs.Err_t) {
	c.mu.Lock()
	if c.rb.buf == nil {
		c.rb = *newRingbuf(consBufCap)
	}
	n := c.rb.write(p)
	c.mu.Unlock()
	return n, 0
}

func (c *ConsOut) Read([]byte) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (c *ConsOut) Close() defs.Err_t             { return 0 }

// Drain copies whatever has accumulated out to w, reporting whether any
// bytes were written (cons_io's iodone flag).
func (c *ConsOut) Drain(w io.Writer) bool {
	c.mu.Lock()
	if c.rb.buf == nil || c.rb.empty() {
		c.mu.Unlock()
		return false
	}
	pending := make([]byte, c.rb.used())
	c.rb.read(pending)
	c.mu.Unlock()
	w.Write(pending)
	return true
}

// Table is the root process's fixed synthetic file table: inode 1 = "/",
// 2 = console-in, 3 = console-out, inodes >= 4 = initial file image blobs,
// grounded on file_initroot's FILEINO_ROOTDIR/FILEINO_CONSIN/FILEINO_CONSOUT/
// FILEINO_GENERAL numbering.
type Table struct {
	mu       sync.RWMutex
	entries  map[uint]Ops
	nextBlob uint
}

// NewTable builds a table with the three fixed entries already installed.
func NewTable() *Table {
	t := &Table{entries: make(map[uint]Ops), nextBlob: defs.InodeBlobLo}
	t.entries[defs.InodeRoot] = Dir{}
	t.entries[defs.InodeConsIn] = &ConsIn{}
	t.entries[defs.InodeConsOut] = &ConsOut{}
	return t
}

// Get resolves an inode number to its operations, or reports false for an
// inode nothing has ever installed.
func (t *Table) Get(inode uint) (Ops, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.entries[inode]
	return o, ok
}

// AddBlob installs data as a new read-only file at the next free blob
// inode, returning the inode it was assigned.
func (t *Table) AddBlob(data []byte) uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := t.nextBlob
	t.nextBlob++
	t.entries[ino] = NewBlob(data)
	return ino
}

// ConsIn returns the table's console-input entry, for a device driver to
// Feed characters into.
func (t *Table) ConsIn() *ConsIn {
	o, _ := t.Get(defs.InodeConsIn)
	return o.(*ConsIn)
}

// ConsOut returns the table's console-output entry, for Drain to be called
// against a real output sink.
func (t *Table) ConsOut() *ConsOut {
	o, _ := t.Get(defs.InodeConsOut)
	return o.(*ConsOut)
}
