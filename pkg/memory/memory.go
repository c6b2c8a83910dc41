// Package memory provides a bytearray-like representation of a qvm's
// initial memory contents.
//
// Every byte belongs to a tagged region that determines how it is
// initialized when the program loads: DATA words may be byte-swapped by the
// interpreter, LIT bytes are used as-is, and BSS bytes are implicit zeros
// with no backing storage. Appending is done with Add or AddZeroed rather
// than the usual append, so each byte lands in exactly one region.
package memory

import (
	"sort"

	"github.com/pkg/errors"
)

// Tag is the type of data stored in a region of memory.
type Tag uint8

const (
	// Data bytes are initialized as 32-bit values and may be byte-swapped
	// depending on the endianness of the interpreter.
	Data Tag = iota + 1
	// Lit bytes are initialized as-is.
	Lit
	// Bss bytes are initialized to zero and cannot be assigned to.
	Bss
)

func (t Tag) String() string {
	switch t {
	case Data:
		return "DATA"
	case Lit:
		return "LIT"
	case Bss:
		return "BSS"
	}
	return "?"
}

// Region is a run of consecutive bytes sharing one tag, covering the
// half-open interval [Begin, End). Contents is nil for BSS regions.
type Region struct {
	Begin    int
	End      int
	Tag      Tag
	Contents []byte
}

// Size returns the number of bytes the region covers.
func (r *Region) Size() int {
	return r.End - r.Begin
}

// Errors reported by Memory operations.
var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNotWritable     = errors.New("cannot assign to padding or BSS")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Memory is a qvm's initial memory contents: a sequence of disjoint tagged
// regions in address order, possibly separated by alignment gaps that read
// as zero and reject writes.
type Memory struct {
	regions []*Region
	size    int
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{}
}

// Len returns the total length, including alignment gaps.
func (m *Memory) Len() int {
	return m.size
}

// Add appends a new region holding a copy of data and returns its address.
//
// The current length is first padded up to alignment; the padding becomes an
// unaddressed gap. DATA regions hold 4-byte words, so len(data) and
// alignment must both be multiples of 4 when tag is Data. BSS regions have
// no backing storage, so data must be all zeros when tag is Bss. Adding
// zero bytes still applies the alignment but adds no region.
func (m *Memory) Add(tag Tag, data []byte, alignment int) (int, error) {
	if tag == Bss {
		for _, b := range data {
			if b != 0 {
				return 0, errors.Wrap(ErrInvalidArgument, "BSS bytes must be zero")
			}
		}
		return m.AddZeroed(tag, len(data), alignment)
	}
	return m.addRegion(tag, data, len(data), alignment)
}

// AddZeroed appends a zero-filled region of the given size and returns its
// address. The same tag and alignment rules as Add apply.
func (m *Memory) AddZeroed(tag Tag, size int, alignment int) (int, error) {
	if size < 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "size must be non-negative")
	}
	var data []byte
	if tag != Bss {
		data = make([]byte, size)
	}
	return m.addRegion(tag, data, size, alignment)
}

func (m *Memory) addRegion(tag Tag, data []byte, size int, alignment int) (int, error) {
	switch tag {
	case Data, Lit, Bss:
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "bad region tag %d", tag)
	}
	if alignment < 1 {
		return 0, errors.Wrapf(ErrInvalidArgument, "bad alignment %d", alignment)
	}
	if tag == Data && (size%4 != 0 || alignment%4 != 0) {
		return 0, errors.Wrap(ErrInvalidArgument, "DATA regions must be at least 4-byte aligned")
	}

	m.Align(alignment)
	address := m.size

	if size != 0 {
		var contents []byte
		if tag != Bss {
			contents = make([]byte, size)
			copy(contents, data)
		}
		m.regions = append(m.regions, &Region{
			Begin:    m.size,
			End:      m.size + size,
			Tag:      tag,
			Contents: contents,
		})
		m.size += size
	}

	return address, nil
}

// Align pads the length with an unaddressed gap up to a multiple of
// alignment. Does nothing if the length is already aligned.
func (m *Memory) Align(alignment int) {
	m.size += (alignment - m.size%alignment) % alignment
}

// Byte returns the byte at index i. Negative indices count back from the
// end. Gaps and BSS read as zero.
func (m *Memory) Byte(i int) (byte, error) {
	i, err := m.checkIndex(i)
	if err != nil {
		return 0, err
	}
	region := m.RegionAt(i)
	if region == nil || region.Contents == nil {
		return 0, nil
	}
	return region.Contents[i-region.Begin], nil
}

// SetByte sets the byte at index i. Writing to a gap or BSS fails with
// ErrNotWritable.
func (m *Memory) SetByte(i int, value byte) error {
	i, err := m.checkIndex(i)
	if err != nil {
		return err
	}
	region := m.RegionAt(i)
	if region == nil || region.Contents == nil {
		return errors.Wrapf(ErrNotWritable, "address %#x", i)
	}
	region.Contents[i-region.Begin] = value
	return nil
}

// Slice returns a copy of the bytes in [begin, end). Indices are normalized
// the way Python slices are: negative values count back from the end and
// the result is clamped to [0, Len()]. Gaps and BSS bytes come back as
// zeros.
func (m *Memory) Slice(begin, end int) []byte {
	begin, end = m.clampSlice(begin, end)
	if end <= begin {
		return []byte{}
	}

	result := make([]byte, 0, end-begin)
	position := begin
	for _, region := range m.RegionsOverlapping(begin, end) {
		// gaps caused by Align read as zeros
		result = append(result, make([]byte, max(0, region.Begin-position))...)
		position = min(region.End, end)

		first := max(0, begin-region.Begin)
		last := region.Size() - max(0, region.End-end)
		if region.Contents == nil {
			result = append(result, make([]byte, last-first)...)
		} else {
			result = append(result, region.Contents[first:last]...)
		}
	}
	result = append(result, make([]byte, end-position)...)

	return result
}

// SetSlice copies value over the bytes in [begin, end). The normalized
// interval must have the same length as value and must not touch any gap or
// BSS bytes.
func (m *Memory) SetSlice(begin, end int, value []byte) error {
	begin, end = m.clampSlice(begin, end)
	if max(0, end-begin) != len(value) {
		return errors.Wrap(ErrInvalidArgument, "value must have same size as slice")
	}
	if end <= begin {
		return nil
	}

	regions := m.RegionsOverlapping(begin, end)

	// check for gaps or BSS anywhere in [begin, end)
	position := begin
	for _, region := range regions {
		if region.Begin > position || region.Contents == nil {
			break
		}
		position = region.End
	}
	if position < end {
		return errors.Wrapf(ErrNotWritable, "%#x..%#x", begin, end)
	}

	for _, region := range regions {
		srcBegin := max(0, region.Begin-begin)
		dstBegin := max(0, begin-region.Begin)
		dstEnd := min(region.Size(), end-region.Begin)
		copy(region.Contents[dstBegin:dstEnd], value[srcBegin:])
	}
	return nil
}

// RegionsWithTag returns all regions with the given tag in address order.
func (m *Memory) RegionsWithTag(tag Tag) []*Region {
	var regions []*Region
	for _, region := range m.regions {
		if region.Tag == tag {
			regions = append(regions, region)
		}
	}
	return regions
}

// RegionAt returns the region covering point, or nil. Regions never
// overlap, so at most one covers any point.
func (m *Memory) RegionAt(point int) *Region {
	regions := m.RegionsOverlapping(point, point+1)
	if len(regions) == 0 {
		return nil
	}
	return regions[0]
}

// RegionsOverlapping returns every region that overlaps [begin, end), in
// address order.
func (m *Memory) RegionsOverlapping(begin, end int) []*Region {
	if end <= begin {
		return nil
	}
	// regions are disjoint and sorted by Begin, so the overlap is a
	// contiguous run found by binary search
	first := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End > begin
	})
	last := first
	for last < len(m.regions) && m.regions[last].Begin < end {
		last++
	}
	return m.regions[first:last]
}

func (m *Memory) checkIndex(i int) (int, error) {
	if i < 0 {
		i += m.size
	}
	if i < 0 || i >= m.size {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "%d", i)
	}
	return i, nil
}

// clampSlice applies Python-style slice normalization with step 1.
func (m *Memory) clampSlice(begin, end int) (int, int) {
	if begin < 0 {
		begin += m.size
	}
	if end < 0 {
		end += m.size
	}
	begin = min(max(begin, 0), m.size)
	end = min(max(end, 0), m.size)
	return begin, end
}
