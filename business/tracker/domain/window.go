package domain

import "github.com/ethereum/go-ethereum/common"

// BlockRecord is one observed block header.
type BlockRecord struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

// Window keeps the last N observed blocks of one chain so a reorg can be
// traced back to the common ancestor. Not safe for concurrent use.
type Window struct {
	size   int
	blocks map[uint64]BlockRecord
	head   uint64
	empty  bool
}

// NewWindow creates a window holding size blocks.
func NewWindow(size int) *Window {
	return &Window{
		size:   size,
		blocks: make(map[uint64]BlockRecord, size),
		empty:  true,
	}
}

// Record stores a block and prunes everything that fell out of the window.
func (w *Window) Record(b BlockRecord) {
	w.blocks[b.Number] = b
	if w.empty || b.Number > w.head {
		w.head = b.Number
		w.empty = false
	}
	if w.head >= uint64(w.size) {
		floor := w.head - uint64(w.size)
		for n := range w.blocks {
			if n < floor {
				delete(w.blocks, n)
			}
		}
	}
}

// Clone returns an independent copy. The monitor reads a clone while doing
// network I/O so the live window stays behind its lock.
func (w *Window) Clone() *Window {
	cp := &Window{
		size:   w.size,
		blocks: make(map[uint64]BlockRecord, len(w.blocks)),
		head:   w.head,
		empty:  w.empty,
	}
	for n, b := range w.blocks {
		cp.blocks[n] = b
	}
	return cp
}

// Get returns the recorded block at height n.
func (w *Window) Get(n uint64) (BlockRecord, bool) {
	b, ok := w.blocks[n]
	return b, ok
}

// Head returns the highest recorded block.
func (w *Window) Head() (BlockRecord, bool) {
	if w.empty {
		return BlockRecord{}, false
	}
	return w.blocks[w.head], true
}

// Rewind drops every block above height n, keeping n itself. Used after a
// reorg so the new canonical branch can be recorded in its place.
func (w *Window) Rewind(n uint64) {
	for h := range w.blocks {
		if h > n {
			delete(w.blocks, h)
		}
	}
	if !w.empty && w.head > n {
		w.head = n
		if _, ok := w.blocks[n]; !ok {
			w.empty = len(w.blocks) == 0
		}
	}
}

// Depth returns how many blocks the window currently holds.
func (w *Window) Depth() int {
	return len(w.blocks)
}
