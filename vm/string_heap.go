package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// StringHeap: per-program reference-counted string arena
// ---------------------------------------------------------------------------
//
// Layout of the arena:
//
//	[used uint32] cell* [end sentinel]
//
// Each cell is a 4-byte header followed by the string bytes:
//
//	size  int16  > 0 live cell of that many bytes, < 0 free cell
//	refs  int16  reference count (live cells only)
//	bytes        NUL terminated, zero padded to an even size
//
// The sentinel is a header with size 0x8000 and refs 1. DynamicString
// offsets point at the first string byte and are relative to the start of
// the cell region (arena offset 4), so a cell's header sits at offset-4.

const (
	heapHeaderSize = 4
	cellHeaderSize = 4
	heapEndMarker  = 0x8000
	maxCellSize    = 32766
	freeSlack      = 4
)

// HeapStats summarizes the state of a StringHeap.
type HeapStats struct {
	Size      int // arena bytes, including header and sentinel
	LiveCells int
	LiveBytes int
	FreeCells int
	FreeBytes int
}

// StringHeap stores the dynamic strings of one program.
type StringHeap struct {
	data  []byte
	limit int // maximum arena size in bytes, 0 for no limit

	// Diagnostics is called with refcount and compaction anomalies.
	Diagnostics func(format string, args ...any)
}

// NewStringHeap creates an empty heap holding only the end sentinel.
func NewStringHeap(limit int) *StringHeap {
	h := &StringHeap{limit: limit}
	h.data = make([]byte, heapHeaderSize+cellHeaderSize)
	h.putSize(0, heapEndMarker)
	h.putRefs(0, 1)
	return h
}

// cell accessors take a cell position relative to the cell region.

func (h *StringHeap) size(pos int) int16 {
	return int16(binary.BigEndian.Uint16(h.data[heapHeaderSize+pos:]))
}

func (h *StringHeap) putSize(pos int, size int) {
	binary.BigEndian.PutUint16(h.data[heapHeaderSize+pos:], uint16(size))
}

func (h *StringHeap) refs(pos int) int16 {
	return int16(binary.BigEndian.Uint16(h.data[heapHeaderSize+pos+2:]))
}

func (h *StringHeap) putRefs(pos int, refs int) {
	binary.BigEndian.PutUint16(h.data[heapHeaderSize+pos+2:], uint16(refs))
}

func (h *StringHeap) isEnd(pos int) bool {
	return uint16(h.size(pos)) == heapEndMarker
}

func (h *StringHeap) used() int {
	return int(binary.BigEndian.Uint32(h.data))
}

func (h *StringHeap) setUsed(n int) {
	binary.BigEndian.PutUint32(h.data, uint32(n))
}

// cellSpan returns the number of payload bytes in the cell at pos.
func (h *StringHeap) cellSpan(pos int) int {
	s := int(h.size(pos))
	if s < 0 {
		return -s
	}
	return s
}

func (h *StringHeap) cellBytes(pos int) []byte {
	start := heapHeaderSize + pos + cellHeaderSize
	return h.data[start : start+h.cellSpan(pos)]
}

func (h *StringHeap) diag(format string, args ...any) {
	if h.Diagnostics != nil {
		h.Diagnostics(format, args...)
	}
}

// paddedLen is the cell size for s: its bytes plus NUL, rounded up to even.
func paddedLen(s string) int {
	n := len(s) + 1
	if n&1 != 0 {
		n++
	}
	return n
}

// Push stores s and returns its offset. A live cell holding the same string
// is reused as is; the reference count only changes when the returned
// reference is pushed onto a stack.
func (h *StringHeap) Push(s string) (int32, error) {
	need := paddedLen(s)
	if need > maxCellSize {
		return 0, fmt.Errorf("%w: string of %d bytes", ErrHeapExhausted, len(s))
	}

	for pos := 0; !h.isEnd(pos); pos += cellHeaderSize + h.cellSpan(pos) {
		if h.size(pos) > 0 && h.matches(pos, s) {
			return int32(pos + cellHeaderSize), nil
		}
	}

	for pos := 0; !h.isEnd(pos); pos += cellHeaderSize + h.cellSpan(pos) {
		free := -int(h.size(pos))
		if free < need {
			continue
		}
		if free-need <= freeSlack {
			h.putSize(pos, free)
		} else {
			rest := pos + cellHeaderSize + need
			h.putSize(rest, -(free - need - cellHeaderSize))
			h.putRefs(rest, 0)
			h.putSize(pos, need)
		}
		h.putRefs(pos, 0)
		h.write(pos, s)
		return int32(pos + cellHeaderSize), nil
	}

	return h.grow(s, need)
}

func (h *StringHeap) matches(pos int, s string) bool {
	b := h.cellBytes(pos)
	return len(b) > len(s) && string(b[:len(s)]) == s && b[len(s)] == 0
}

func (h *StringHeap) write(pos int, s string) {
	b := h.cellBytes(pos)
	n := copy(b, s)
	clear(b[n:])
}

func (h *StringHeap) grow(s string, need int) (int32, error) {
	pos := h.used()
	newLen := heapHeaderSize + pos + cellHeaderSize + need + cellHeaderSize
	if h.limit > 0 && newLen > h.limit {
		return 0, fmt.Errorf("%w: %d bytes requested, limit %d", ErrHeapExhausted, newLen, h.limit)
	}
	if !h.isEnd(pos) {
		return 0, fmt.Errorf("%w: string table mangled", ErrHeapExhausted)
	}

	h.data = append(h.data, make([]byte, newLen-len(h.data))...)
	h.putSize(pos, need)
	h.putRefs(pos, 0)
	h.write(pos, s)

	end := pos + cellHeaderSize + need
	h.putSize(end, heapEndMarker)
	h.putRefs(end, 1)
	h.setUsed(end)
	return int32(pos + cellHeaderSize), nil
}

// cellAt validates a string offset and returns its cell position.
func (h *StringHeap) cellAt(offset int32) (int, bool) {
	pos := int(offset) - cellHeaderSize
	if pos < 0 || pos >= h.used() {
		return 0, false
	}
	return pos, true
}

// Get returns the string at offset.
func (h *StringHeap) Get(offset int32) (string, bool) {
	pos, ok := h.cellAt(offset)
	if !ok {
		return "", false
	}
	b := h.cellBytes(pos)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// RefCount returns the reference count of the cell at offset.
func (h *StringHeap) RefCount(offset int32) int {
	pos, ok := h.cellAt(offset)
	if !ok {
		return 0
	}
	return int(h.refs(pos))
}

// IncRef records one more reference to the string at offset.
func (h *StringHeap) IncRef(offset int32) {
	if pos, ok := h.cellAt(offset); ok {
		h.putRefs(pos, int(h.refs(pos))+1)
	}
}

// DecRef drops one reference to the string at offset.
func (h *StringHeap) DecRef(offset int32) {
	pos, ok := h.cellAt(offset)
	if !ok {
		return
	}
	refs := h.refs(pos)
	if refs == 0 {
		s, _ := h.Get(offset)
		h.diag("reference count zero for %q", s)
		return
	}
	refs--
	h.putRefs(pos, int(refs))
	if refs < 0 {
		h.diag("string reference count went negative at %d", offset)
	}
}

// MarkAndCompact frees every live cell with no references and merges each
// free cell with a free successor, as long as the merged cell still fits the
// 15-bit size field.
func (h *StringHeap) MarkAndCompact() {
	pos := 0
	for !h.isEnd(pos) {
		size := int(h.size(pos))
		if size < 0 {
			size = -size
			next := pos + cellHeaderSize + size
			if !h.isEnd(next) && h.size(next) < 0 {
				merged := size + cellHeaderSize - int(h.size(next))
				if merged < maxCellSize {
					h.putSize(pos, -merged)
					size = merged
				} else {
					h.diag("merged string would be too long, size %d %d", cellHeaderSize-int(h.size(next)), size)
				}
			}
		} else if h.refs(pos) == 0 {
			h.putSize(pos, -size)
		}
		pos += cellHeaderSize + size
	}
}

// Len returns the arena size in bytes.
func (h *StringHeap) Len() int {
	return len(h.data)
}

// Stats walks the arena and counts live and free cells.
func (h *StringHeap) Stats() HeapStats {
	st := HeapStats{Size: len(h.data)}
	for pos := 0; !h.isEnd(pos); pos += cellHeaderSize + h.cellSpan(pos) {
		if h.size(pos) > 0 {
			st.LiveCells++
			st.LiveBytes += h.cellSpan(pos)
		} else {
			st.FreeCells++
			st.FreeBytes += h.cellSpan(pos)
		}
	}
	return st
}

// Dump writes one line per cell.
func (h *StringHeap) Dump(w io.Writer) {
	for pos := 0; !h.isEnd(pos); pos += cellHeaderSize + h.cellSpan(pos) {
		if h.size(pos) < 0 {
			fmt.Fprintf(w, "  %6d  free %5d\n", pos+cellHeaderSize, h.cellSpan(pos))
			continue
		}
		s, _ := h.Get(int32(pos + cellHeaderSize))
		fmt.Fprintf(w, "  %6d  refs %5d  %q\n", pos+cellHeaderSize, h.refs(pos), s)
	}
}
