package emu

import (
	"github.com/pkg/errors"

	"github.com/carbonblack/lea/util"
)

const pageMask = uint64(0xfff)

type HeapEntry struct {
	Address uint64
	Size    uint64
}

// HeapManager hands out ranges of the emulated allocation region. Entries
// are kept sorted by address.
type HeapManager struct {
	base  uint64
	limit uint64
	heap  []*HeapEntry
}

func NewHeap(base, size uint64) *HeapManager {
	return &HeapManager{
		base:  base,
		limit: base + size,
		heap:  make([]*HeapEntry, 0, 16),
	}
}

// Size returns the size of a particular heap entry, 0 if it is not found
func (self *HeapManager) Size(addr uint64) uint64 {
	for _, e := range self.heap {
		if e.Address == addr {
			return e.Size
		}
	}
	return 0
}

func (self *HeapManager) Len() int { return len(self.heap) }

func (self *HeapManager) nextAddress() uint64 {
	n := len(self.heap)
	if n == 0 {
		return self.base
	}
	return self.heap[n-1].Address + self.heap[n-1].Size
}

// insert without looking
func (self *HeapManager) insertHeap(index int, addr, size uint64) {
	self.heap = append(self.heap, nil)
	copy(self.heap[index+1:], self.heap[index:])
	self.heap[index] = &HeapEntry{addr, size}
}

// preferEndMalloc: allocate after the last entry, rounded up to the nearest
// multiple of align
func (self *HeapManager) preferEndMalloc(align, size uint64) (uint64, error) {
	nxt := self.nextAddress()
	nxt += (align - (nxt % align)) % align
	if nxt+size > self.limit {
		return 0, errors.Errorf("allocation region exhausted: 0x%x bytes requested", size)
	}
	self.heap = append(self.heap, &HeapEntry{nxt, size})
	return nxt, nil
}

// firstFit looks for the lowest aligned gap between entries that holds size
// bytes, falling back to the end of the region.
func (self *HeapManager) firstFit(align, size uint64) (uint64, error) {
	prevEnd := self.base
	for i, e := range self.heap {
		addr := prevEnd + (align-(prevEnd%align))%align
		if addr+size <= e.Address {
			self.insertHeap(i, addr, size)
			return addr, nil
		}
		prevEnd = e.Address + e.Size
	}
	return self.preferEndMalloc(align, size)
}

func (self *HeapManager) Free(addr uint64) bool {
	for index, element := range self.heap {
		if element.Address == addr {
			self.heap = append(self.heap[:index], self.heap[index+1:]...)
			return true
		}
	}
	return false
}

// MMap reserves size bytes rounded up to whole pages and returns the page
// aligned address and the rounded size.
func (self *HeapManager) MMap(size uint64) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, errors.New("zero sized allocation")
	}
	size = util.RoundUp(size, pageMask)
	addr, err := self.firstFit(pageMask+1, size)
	if err != nil {
		return 0, 0, err
	}
	return addr, size, nil
}
