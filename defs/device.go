// Package defs holds types and constants shared across the kernel's
// components: device/inode numbers for the root process's synthetic file
// table and the sentinel error enum every component reports through.
package defs

// Inode numbers for the root process's fixed synthetic file table.
// Unlike biscuit's disk/profiling device numbers, these name fixed slots
// in a table pinned at a well-known virtual address, not major/minor
// device pairs probed at runtime.
const (
	InodeRoot    = 1 // "/" directory
	InodeConsIn  = 2 // console-in
	InodeConsOut = 3 // console-out
	InodeBlobLo  = 4 // initial file image blobs start here
)

