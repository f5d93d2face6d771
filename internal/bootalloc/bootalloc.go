// Package bootalloc implements the bootstrap allocator of spec.md §4.A:
// a bump allocator over one registered region, backing a K&R-style
// (Kernighan & Ritchie, "malloc()/free() pair according to K&R 2, p.185")
// first-fit circular free-list allocator for everything the core
// allocates dynamically above it.
package bootalloc

import (
	"fmt"

	"github.com/arm64hv/core/internal/hvapi"
)

const (
	pageSize  = 4096
	alignment = 8 // sizeof(double) in the original
	headerSz  = 16
)

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}

// header mirrors the C union header{ ptr *header; size uint }: every
// free and in-use block is prefixed by one. size is measured in header
// units, as in the original.
type header struct {
	next *header
	size uint64
}

// Heap is the single contiguous region registered at boot (set_heap)
// plus the bump cursor and K&R free list layered on it.
type Heap struct {
	buf []byte

	bumpIdx uint64

	base  header
	freep *header

	// headers maps a header's position in buf (its offset) to the header
	// struct itself, so we can recover *header from an offset the way C
	// recovers it from a raw pointer. Go cannot treat a []byte slice
	// region as a typed struct in place without unsafe tricks that break
	// under a moving GC, so headers live in this side table, addressed
	// by byte offset — the same "store arena indices in a side table"
	// pattern spec.md §9 recommends for descriptor-to-table references.
	headers map[uint64]*header
	// offsetOf maps a header back to its own byte offset in buf, the
	// inverse of headers; Malloc derives payload and split offsets from
	// it, and free compares block positions with it when coalescing.
	offsetOf map[*header]uint64
}

// New registers a region of sz bytes. sz must be at least one page and
// a multiple of 8, matching set_heap's preconditions.
func New(sz uint64) (*Heap, error) {
	if sz < pageSize {
		return nil, fmt.Errorf("bootalloc: size %d < page size: %w", sz, hvapi.ErrInval)
	}
	if sz%8 != 0 {
		return nil, fmt.Errorf("bootalloc: size %d not a multiple of 8: %w", sz, hvapi.ErrInval)
	}

	h := &Heap{
		buf:      make([]byte, sz),
		headers:  make(map[uint64]*header),
		offsetOf: make(map[*header]uint64),
	}
	// base is the free list's sentinel head, analogous to the static
	// global `header base` in the original: it is never part of the
	// allocatable region, so it is pinned to an offset outside [0, sz)
	// rather than sharing offset 0 with real allocations.
	h.offsetOf[&h.base] = sentinelOffset

	return h, nil
}

const sentinelOffset = ^uint64(0) / 2

// GetStaticBuffer returns a slice of round_up(size, 8) freshly zeroed
// bytes from the bump cursor, advancing it. It never frees; callers use
// it to back the dynamic allocator below or any one-time buffer.
func (h *Heap) GetStaticBuffer(size uint64) ([]byte, error) {
	size = roundUp(size, alignment)

	if size > uint64(len(h.buf)) {
		return nil, fmt.Errorf("bootalloc: request %d exceeds heap: %w", size, hvapi.ErrNoSpace)
	}
	if h.bumpIdx+size >= uint64(len(h.buf)) {
		return nil, fmt.Errorf("bootalloc: heap exhausted at %d/%d: %w", h.bumpIdx, len(h.buf), hvapi.ErrNoSpace)
	}

	start := h.bumpIdx
	h.bumpIdx += size

	buf := h.buf[start : start+size]
	for i := range buf {
		buf[i] = 0
	}

	return buf, nil
}

// newHeader installs a new header at a given buffer offset.
func (h *Heap) newHeader(offset uint64) *header {
	hdr := &header{}
	h.headers[offset] = hdr
	h.offsetOf[hdr] = offset
	return hdr
}

func (h *Heap) dropHeader(hdr *header) {
	offset, ok := h.offsetOf[hdr]
	if !ok {
		return
	}
	delete(h.headers, offset)
	delete(h.offsetOf, hdr)
}

// morespace requests at least 1024 units from the bump allocator and
// injects the resulting block into the free list via free, exactly as
// morespace() does in the original.
func (h *Heap) morespace(nu uint64) (*header, error) {
	if nu < 1024 {
		nu = 1024
	}

	buf, err := h.GetStaticBuffer(nu * headerSz)
	if err != nil {
		return nil, err
	}

	offset := h.bumpIdx - uint64(len(buf))
	up := h.newHeader(offset)
	up.size = nu

	h.free(up)

	return h.freep, nil
}

// Malloc allocates nbytes and returns the payload offset into the
// backing region (analogous to the C pointer returned by malloc). The
// algorithm is the unmodified K&R first-fit circular scan.
func (h *Heap) Malloc(nbytes uint64) (uint64, error) {
	nunits := (nbytes+headerSz-1)/headerSz + 1

	if h.freep == nil {
		h.base.next = &h.base
		h.freep = &h.base
		h.base.size = 0
	}

	prevp := h.freep
	p := prevp.next

	for {
		if p.size >= nunits {
			if p.size == nunits {
				prevp.next = p.next
			} else {
				p.size -= nunits
				tailOffset := h.offsetOf[p] + p.size*headerSz
				tail := h.newHeader(tailOffset)
				tail.size = nunits
				tail.next = p.next
				// splice tail in place of p in prevp's chain; p keeps
				// the head portion and remains on the free list under
				// its reduced size.
				prevp.next = p
				p = tail
			}
			h.freep = prevp

			payload := h.offsetOf[p] + headerSz
			return payload, nil
		}

		if p == h.freep {
			np, err := h.morespace(nunits)
			if err != nil {
				return 0, fmt.Errorf("bootalloc: malloc %d bytes: %w", nbytes, err)
			}
			prevp = np
			p = np.next
			continue
		}

		prevp = p
		p = p.next
	}
}

// Free returns a block obtained from Malloc (identified by its payload
// offset) to the free list, coalescing with both neighbors exactly as
// free() does in the original.
func (h *Heap) Free(payloadOffset uint64) error {
	hdrOffset := payloadOffset - headerSz
	bp, ok := h.headers[hdrOffset]
	if !ok {
		return fmt.Errorf("bootalloc: free: unknown block at %#x: %w", payloadOffset, hvapi.ErrInval)
	}
	h.free(bp)
	return nil
}

func (h *Heap) free(bp *header) {
	p := h.freep

	for !(h.offsetOf[bp] > h.offsetOf[p] && h.offsetOf[bp] < h.offsetOf[p.next]) {
		if h.offsetOf[p] >= h.offsetOf[p.next] &&
			(h.offsetOf[bp] > h.offsetOf[p] || h.offsetOf[bp] < h.offsetOf[p.next]) {
			break
		}
		p = p.next
	}

	if h.offsetOf[bp]+bp.size*headerSz == h.offsetOf[p.next] {
		bp.size += p.next.size
		next := p.next
		bp.next = next.next
		h.dropHeader(next)
	} else {
		bp.next = p.next
	}

	if h.offsetOf[p]+p.size*headerSz == h.offsetOf[bp] {
		p.size += bp.size
		p.next = bp.next
		h.dropHeader(bp)
	} else {
		p.next = bp
	}

	h.freep = p
}

// Bytes returns the raw backing slice at a given payload offset and
// length, for callers (the table arena, the descriptor codec) that need
// direct access to allocated memory.
func (h *Heap) Bytes(offset, length uint64) []byte {
	return h.buf[offset : offset+length]
}

// Size reports the configured region length.
func (h *Heap) Size() uint64 { return uint64(len(h.buf)) }
