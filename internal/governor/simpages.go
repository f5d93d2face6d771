package governor

// SimPages is an in-memory PageReadWriter backing test host physical
// memory by physical address, for tests and cmd/hvctl that have no
// real host physical memory behind them.
type SimPages struct {
	pageSize uint64
	pages    map[uint64][]byte
}

// NewSimPages constructs a SimPages with the given page size.
func NewSimPages(pageSize uint64) *SimPages {
	return &SimPages{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

// Write seeds a page's contents directly, for test setup.
func (s *SimPages) Write(paddr uint64, data []byte) {
	_ = s.WritePage(paddr, data)
}

func (s *SimPages) ReadPage(paddr uint64) ([]byte, error) {
	base := pageBase(paddr, s.pageSize)
	buf, ok := s.pages[base]
	if !ok {
		return make([]byte, s.pageSize), nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// WritePage overwrites a whole page's contents; data shorter than the
// page size is zero-padded, matching Write's prior behavior.
func (s *SimPages) WritePage(paddr uint64, data []byte) error {
	buf := make([]byte, s.pageSize)
	copy(buf, data)
	s.pages[pageBase(paddr, s.pageSize)] = buf
	return nil
}

func (s *SimPages) ZeroPage(paddr uint64) error {
	base := pageBase(paddr, s.pageSize)
	s.pages[base] = make([]byte, s.pageSize)
	return nil
}

func pageBase(paddr, pageSize uint64) uint64 {
	return paddr &^ (pageSize - 1)
}
