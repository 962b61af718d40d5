package dyld

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"

	"github.com/blacktop/go-macho/types"
)

// The rebasing info is designed to allow the kernel to lazily rebase DATA
// pages of the dyld shared cache. Rebasing is adding the slide to interior
// pointers. Each eligible page carries a linked chain of pointer-sized cells;
// the slide info blob records where each page's chain starts and how to
// interpret the cells.

const (
	DYLD_CACHE_SLIDE_V2_PAGE_NO_REBASE   uint16 = 0xFFFF // page has no rebasing
	DYLD_CACHE_SLIDE_V2_PAGE_USE_EXTRA   uint16 = 0x8000 // index is into extras array (not a chain start offset)
	DYLD_CACHE_SLIDE_V2_PAGE_INDEX       uint16 = 0x7FFF // mask of page_extras[] index/offset values
	DYLD_CACHE_SLIDE_V2_PAGE_OFFSET_MASK uint16 = 0x3FFF // mask of page_starts[] single chain start values
	DYLD_CACHE_SLIDE_V2_PAGE_EXTRA_MORE  uint16 = 0x8000 // more extras follow for this page

	DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE uint16 = 0xFFFF // page has no rebasing
	DYLD_CACHE_SLIDE_V5_PAGE_ATTR_NO_REBASE uint16 = 0xFFFF // page has no rebasing
)

// SlideInfo is implemented by all supported slide info versions.
type SlideInfo interface {
	GetVersion() uint32
	GetPageSize() uint32
	SlidePointer(uint64) uint64
}

// slideDecoder is the per-version page index + chain walking capability the
// rebase walker dispatches to. Selected once from the header version, never
// re-dispatched per cell.
type slideDecoder interface {
	SlideInfo
	// startsForPage returns the byte offsets of every chain start in the
	// given page. An empty slice means the page has no rebasing.
	startsForPage(page uint64) ([]uint64, error)
	// walkChain walks one chain inside a page, emitting a partially filled
	// Rebase (page offset, raw, target, next, pointer metadata) per cell.
	walkChain(page []byte, start uint64, emit func(*Rebase) error) error
}

// CacheSlideInfo2Header is the dyld_cache_slide_info2 struct
type CacheSlideInfo2Header struct {
	Version          uint32 `json:"slide_version,omitempty"` // currently 2
	PageSize         uint32 `json:"page_size,omitempty"`     // currently 4096 (may also be 16384)
	PageStartsOffset uint32 `json:"page_starts_offset,omitempty"`
	PageStartsCount  uint32 `json:"page_starts_count,omitempty"`
	PageExtrasOffset uint32 `json:"page_extras_offset,omitempty"`
	PageExtrasCount  uint32 `json:"page_extras_count,omitempty"`
	DeltaMask        uint64 `json:"delta_mask,omitempty"` // which (contiguous) set of bits contains the delta to the next rebase location
	ValueAdd         uint64 `json:"value_add,omitempty"`
}

// CacheSlideInfo2 is a parsed version 2 slide info blob.
type CacheSlideInfo2 struct {
	CacheSlideInfo2Header
	PageStarts []uint16 `json:"-"`
	PageExtras []uint16 `json:"-"`
}

func (i *CacheSlideInfo2) GetVersion() uint32 {
	return i.Version
}
func (i *CacheSlideInfo2) GetPageSize() uint32 {
	return i.PageSize
}

// SlidePointer returns the unslid value of a raw v2 cell. A zero value field
// is a special raw value and is NOT biased by value_add; this quirk is part
// of the on-disk format.
func (i *CacheSlideInfo2) SlidePointer(ptr uint64) uint64 {
	value := ptr &^ i.DeltaMask
	if value != 0 {
		value += i.ValueAdd
	}
	return value
}

func (i *CacheSlideInfo2) startsForPage(page uint64) ([]uint64, error) {
	if page >= uint64(len(i.PageStarts)) {
		return nil, fmt.Errorf("%w: page %d (page_starts_count %d)", ErrPageIndexOutOfBounds, page, len(i.PageStarts))
	}
	start := i.PageStarts[page]
	switch {
	case start == DYLD_CACHE_SLIDE_V2_PAGE_NO_REBASE:
		return nil, nil
	case start&DYLD_CACHE_SLIDE_V2_PAGE_USE_EXTRA != 0:
		var starts []uint64
		idx := int(start & DYLD_CACHE_SLIDE_V2_PAGE_INDEX)
		for {
			if idx >= len(i.PageExtras) {
				return nil, fmt.Errorf("%w: page_extras index %d (page_extras_count %d)", ErrPageIndexOutOfBounds, idx, len(i.PageExtras))
			}
			extra := i.PageExtras[idx]
			starts = append(starts, uint64(extra&DYLD_CACHE_SLIDE_V2_PAGE_INDEX)*4)
			if extra&DYLD_CACHE_SLIDE_V2_PAGE_EXTRA_MORE == 0 {
				break
			}
			idx++
		}
		return starts, nil
	default:
		return []uint64{uint64(start&DYLD_CACHE_SLIDE_V2_PAGE_OFFSET_MASK) * 4}, nil
	}
}

func (i *CacheSlideInfo2) walkChain(page []byte, start uint64, emit func(*Rebase) error) error {
	deltaShift := uint64(bits.TrailingZeros64(i.DeltaMask))
	maxSteps := int(i.PageSize / 4)
	off := start
	for step := 0; ; step++ {
		if step >= maxSteps {
			return fmt.Errorf("%w: v2 chain exceeded %d steps", ErrChainCycleDetected, maxSteps)
		}
		if off+4 > uint64(len(page)) {
			return fmt.Errorf("%w: v2 chain offset %#x beyond page end", ErrMalformedSlideInfo, off)
		}
		raw := uint64(binary.LittleEndian.Uint32(page[off:]))
		delta := (raw & i.DeltaMask) >> deltaShift
		value := i.SlidePointer(raw)
		if err := emit(&Rebase{
			PageOffset: off,
			Raw:        raw,
			Target:     value,
			Next:       delta,
			Pointer:    CacheSlidePointer2{Raw: uint32(raw), Value: value, Next: delta},
		}); err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		off += delta * 4 // delta is in units of the 4-byte pointer width
	}
}

// CacheSlidePointer2 is a decoded v2 chain cell. The delta and value fields
// are mask positioned, so they are extracted up front using the info record's
// delta_mask rather than exposed as bit accessors.
type CacheSlidePointer2 struct {
	Raw   uint32 `json:"raw"`
	Value uint64 `json:"value"`
	Next  uint64 `json:"next"`
}

func (p CacheSlidePointer2) String() string {
	return fmt.Sprintf("value: %#x, next: %02x", p.Value, p.Next)
}

// CacheSlideInfo3Header is the dyld_cache_slide_info3 struct
type CacheSlideInfo3Header struct {
	Version         uint32 `json:"slide_version,omitempty"` // currently 3
	PageSize        uint32 `json:"page_size,omitempty"`     // currently 4096 (may also be 16384)
	PageStartsCount uint32 `json:"page_starts_count,omitempty"`
	_               uint32 // padding for 64bit alignment
	AuthValueAdd    uint64 `json:"auth_value_add,omitempty"`
}

// CacheSlideInfo3 is a parsed version 3 (arm64e) slide info blob.
type CacheSlideInfo3 struct {
	CacheSlideInfo3Header
	PageStarts []uint16 `json:"-"`
}

func (i *CacheSlideInfo3) GetVersion() uint32 {
	return i.Version
}
func (i *CacheSlideInfo3) GetPageSize() uint32 {
	return i.PageSize
}
func (i *CacheSlideInfo3) SlidePointer(ptr uint64) uint64 {
	if ptr == 0 {
		return 0
	}
	pointer := CacheSlidePointer3(ptr)
	if pointer.Authenticated() {
		return i.AuthValueAdd + pointer.OffsetFromSharedCacheBase()
	}
	return pointer.SignExtend51()
}

func (i *CacheSlideInfo3) startsForPage(page uint64) ([]uint64, error) {
	return chainStartForPage(i.PageStarts, page, i.PageSize, DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE)
}

func (i *CacheSlideInfo3) walkChain(page []byte, start uint64, emit func(*Rebase) error) error {
	maxSteps := int(i.PageSize / 8)
	off := start
	for step := 0; ; step++ {
		if step >= maxSteps {
			return fmt.Errorf("%w: v3 chain exceeded %d steps", ErrChainCycleDetected, maxSteps)
		}
		if off+8 > uint64(len(page)) {
			return fmt.Errorf("%w: v3 chain offset %#x beyond page end", ErrMalformedSlideInfo, off)
		}
		ptr := CacheSlidePointer3(binary.LittleEndian.Uint64(page[off:]))
		r := &Rebase{
			PageOffset: off,
			Raw:        ptr.Raw(),
			Next:       ptr.OffsetToNextPointer(),
			Pointer:    ptr,
		}
		if ptr.Authenticated() {
			r.Target = i.AuthValueAdd + ptr.OffsetFromSharedCacheBase()
			r.Authenticated = true
			r.Key = KeyName(ptr.Key())
			r.AddrDiversity = ptr.HasAddressDiversity()
			r.Diversity = ptr.DiversityData()
		} else {
			r.Target = ptr.SignExtend51()
		}
		if err := emit(r); err != nil {
			return err
		}
		if r.Next == 0 {
			return nil
		}
		off += r.Next * 8 // offsetToNextPointer is in units of 8 bytes
	}
}

// CacheSlidePointer3 is a dyld_cache_slide_pointer3 union
//
//	{
//	    uint64_t  raw;
//	    struct {
//	        uint64_t    pointerValue        : 51,
//	                    offsetToNextPointer : 11,
//	                    unused              :  2;
//	    }         plain;
//	    struct {
//	        uint64_t    offsetFromSharedCacheBase : 32,
//	                    diversityData             : 16,
//	                    hasAddressDiversity       :  1,
//	                    key                       :  2,
//	                    offsetToNextPointer       : 11,
//	                    unused                    :  1,
//	                    authenticated             :  1; // = 1;
//	    }         auth;
//	};
type CacheSlidePointer3 uint64

// SignExtend51 returns a regular pointer which needs to fit in 51-bits of value.
// C++ RTTI uses the top bit, so we'll allow the whole top-byte
// and the signed-extended bottom 43-bits to be fit in to 51-bits.
func (p CacheSlidePointer3) SignExtend51() uint64 {
	top8Bits := uint64(p & 0x007F80000000000)
	bottom43Bits := uint64(p & 0x000007FFFFFFFFFF)
	return (top8Bits << 13) | (((uint64)(bottom43Bits<<21) >> 21) & 0x00FFFFFFFFFFFFFF)
}

// Raw returns the chained pointer's raw uint64 value
func (p CacheSlidePointer3) Raw() uint64 {
	return uint64(p)
}

// Value returns the chained pointer's value
func (p CacheSlidePointer3) Value() uint64 {
	return types.ExtractBits(uint64(p), 0, 51)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer3) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 51, 11)
}

// OffsetFromSharedCacheBase returns the chained pointer's offset from the base
func (p CacheSlidePointer3) OffsetFromSharedCacheBase() uint64 {
	return types.ExtractBits(uint64(p), 0, 32)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer3) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 32, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer3) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 48, 1) != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer3) Key() uint64 {
	return types.ExtractBits(uint64(p), 49, 2)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer3) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

// KeyName returns the PAC key name for a 2-bit v3 key value
func KeyName(key uint64) string {
	name := []string{"IA", "IB", "DA", "DB"}
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

func (p CacheSlidePointer3) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("value: %#x, next: %02x, diversity: %04x, addr_div: %t, key: %s, auth: %t",
			p.OffsetFromSharedCacheBase(),
			p.OffsetToNextPointer(),
			p.DiversityData(),
			p.HasAddressDiversity(),
			KeyName(p.Key()),
			p.Authenticated(),
		)
	}
	return fmt.Sprintf("value: %#x, next: %02x", p.Value(), p.OffsetToNextPointer())
}

func (p CacheSlidePointer3) MarshalJSON() ([]byte, error) {
	if p.Authenticated() {
		return json.Marshal(&struct {
			Value               uint64 `json:"value"`
			OffsetToNextPointer uint64 `json:"next"`
			DiversityData       uint64 `json:"diversity"`
			HasAddressDiversity bool   `json:"addr_div"`
			KeyName             string `json:"key"`
			Authenticated       bool   `json:"authenticated"`
		}{
			Value:               p.OffsetFromSharedCacheBase(),
			OffsetToNextPointer: p.OffsetToNextPointer(),
			DiversityData:       p.DiversityData(),
			HasAddressDiversity: p.HasAddressDiversity(),
			KeyName:             KeyName(p.Key()),
			Authenticated:       p.Authenticated(),
		})
	}
	return json.Marshal(&struct {
		Value               uint64 `json:"value"`
		OffsetToNextPointer uint64 `json:"next"`
	}{
		Value:               p.Value(),
		OffsetToNextPointer: p.OffsetToNextPointer(),
	})
}

// CacheSlideInfo5Header is the dyld_cache_slide_info5 struct
type CacheSlideInfo5Header struct {
	Version         uint32 `json:"slide_version,omitempty"` // currently 5
	PageSize        uint32 `json:"page_size,omitempty"`     // currently 4096 (may also be 16384)
	PageStartsCount uint32 `json:"page_starts_count,omitempty"`
	_               uint32 // padding for 64bit alignment
	ValueAdd        uint64 `json:"value_add,omitempty"`
}

// CacheSlideInfo5 is a parsed version 5 (arm64e shared-cache chained pointer)
// slide info blob.
type CacheSlideInfo5 struct {
	CacheSlideInfo5Header
	PageStarts []uint16 `json:"-"`
}

func (i *CacheSlideInfo5) GetVersion() uint32 {
	return i.Version
}
func (i *CacheSlideInfo5) GetPageSize() uint32 {
	return i.PageSize
}
func (i *CacheSlideInfo5) SlidePointer(ptr uint64) uint64 {
	if ptr == 0 {
		return 0
	}
	pointer := CacheSlidePointer5(ptr)
	if pointer.Authenticated() {
		return i.ValueAdd + pointer.RuntimeOffset()
	}
	return (i.ValueAdd + pointer.RuntimeOffset()) | pointer.High8()<<56
}

func (i *CacheSlideInfo5) startsForPage(page uint64) ([]uint64, error) {
	return chainStartForPage(i.PageStarts, page, i.PageSize, DYLD_CACHE_SLIDE_V5_PAGE_ATTR_NO_REBASE)
}

func (i *CacheSlideInfo5) walkChain(page []byte, start uint64, emit func(*Rebase) error) error {
	maxSteps := int(i.PageSize / 8)
	off := start
	for step := 0; ; step++ {
		if step >= maxSteps {
			return fmt.Errorf("%w: v5 chain exceeded %d steps", ErrChainCycleDetected, maxSteps)
		}
		if off+8 > uint64(len(page)) {
			return fmt.Errorf("%w: v5 chain offset %#x beyond page end", ErrMalformedSlideInfo, off)
		}
		ptr := CacheSlidePointer5(binary.LittleEndian.Uint64(page[off:]))
		r := &Rebase{
			PageOffset: off,
			Raw:        ptr.Raw(),
			Next:       ptr.OffsetToNextPointer(),
			Pointer:    ptr,
		}
		if ptr.Authenticated() {
			r.Target = i.ValueAdd + ptr.RuntimeOffset()
			r.Authenticated = true
			r.Key = KeyNameV5(ptr.KeyIsData())
			r.AddrDiversity = ptr.HasAddressDiversity()
			r.Diversity = ptr.DiversityData()
		} else {
			r.Target = (i.ValueAdd + ptr.RuntimeOffset()) | ptr.High8()<<56
		}
		if err := emit(r); err != nil {
			return err
		}
		if r.Next == 0 {
			return nil
		}
		off += r.Next * 8 // next is in units of 8 bytes
	}
}

// CacheSlidePointer5 is a dyld_cache_slide_pointer5 union
//
//	{
//	    uint64_t  raw;
//	    struct {  // dyld_chained_ptr_arm64e_shared_cache_rebase
//	        uint64_t    runtimeOffset : 34,  // offset from the start of the shared cache
//	                    high8         :  8,
//	                    unused        : 10,
//	                    next          : 11,  // 8-byte stride
//	                    auth          :  1;  // == 0
//	    }         regular;
//	    struct {  // dyld_chained_ptr_arm64e_shared_cache_auth_rebase
//	        uint64_t    runtimeOffset : 34,  // offset from the start of the shared cache
//	                    diversity     : 16,
//	                    addrDiv       :  1,
//	                    keyIsData     :  1,  // implicitly always the 'A' key.  0 -> IA.  1 -> DA
//	                    next          : 11,  // 8-byte stride
//	                    auth          :  1;  // == 1
//	    }         auth;
//	};
type CacheSlidePointer5 uint64

// Raw returns the chained pointer's raw uint64 value
func (p CacheSlidePointer5) Raw() uint64 {
	return uint64(p)
}

// RuntimeOffset returns the chained pointer's offset from the start of the shared cache
func (p CacheSlidePointer5) RuntimeOffset() uint64 {
	return types.ExtractBits(uint64(p), 0, 34)
}

// High8 returns the top byte to be ORed into a regular rebased pointer
func (p CacheSlidePointer5) High8() uint64 {
	return types.ExtractBits(uint64(p), 34, 8)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer5) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 52, 11)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer5) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 34, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer5) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 50, 1) != 0
}

// KeyIsData returns the chained pointer's key selector (A keys only; 0 -> IA, 1 -> DA)
func (p CacheSlidePointer5) KeyIsData() uint64 {
	return types.ExtractBits(uint64(p), 51, 1)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer5) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

// KeyNameV5 returns the PAC key name for a v5 keyIsData value
func KeyNameV5(key uint64) string {
	name := []string{"IA", "DA"}
	if key >= 2 {
		return "ERROR"
	}
	return name[key]
}

func (p CacheSlidePointer5) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("value: %#x, next: %02x, diversity: %04x, addr_div: %t, key: %s, auth: %t",
			p.RuntimeOffset(),
			p.OffsetToNextPointer(),
			p.DiversityData(),
			p.HasAddressDiversity(),
			KeyNameV5(p.KeyIsData()),
			p.Authenticated(),
		)
	}
	return fmt.Sprintf("value: %#x, high8: %02x, next: %02x", p.RuntimeOffset(), p.High8(), p.OffsetToNextPointer())
}

func (p CacheSlidePointer5) MarshalJSON() ([]byte, error) {
	if p.Authenticated() {
		return json.Marshal(&struct {
			RuntimeOffset       uint64 `json:"runtime_offset"`
			OffsetToNextPointer uint64 `json:"next"`
			DiversityData       uint64 `json:"diversity"`
			HasAddressDiversity bool   `json:"addr_div"`
			KeyName             string `json:"key"`
			Authenticated       bool   `json:"authenticated"`
		}{
			RuntimeOffset:       p.RuntimeOffset(),
			OffsetToNextPointer: p.OffsetToNextPointer(),
			DiversityData:       p.DiversityData(),
			HasAddressDiversity: p.HasAddressDiversity(),
			KeyName:             KeyNameV5(p.KeyIsData()),
			Authenticated:       p.Authenticated(),
		})
	}
	return json.Marshal(&struct {
		RuntimeOffset       uint64 `json:"runtime_offset"`
		High8               uint64 `json:"high8"`
		OffsetToNextPointer uint64 `json:"next"`
	}{
		RuntimeOffset:       p.RuntimeOffset(),
		High8:               p.High8(),
		OffsetToNextPointer: p.OffsetToNextPointer(),
	})
}

// chainStartForPage decodes a v3/v5 page_starts entry: one entry per page,
// the value is the byte offset of the first chain cell (no extras table in
// these versions).
func chainStartForPage(pageStarts []uint16, page uint64, pageSize uint32, noRebase uint16) ([]uint64, error) {
	if page >= uint64(len(pageStarts)) {
		return nil, fmt.Errorf("%w: page %d (page_starts_count %d)", ErrPageIndexOutOfBounds, page, len(pageStarts))
	}
	start := pageStarts[page]
	if start == noRebase {
		return nil, nil
	}
	if uint32(start) >= pageSize {
		return nil, fmt.Errorf("%w: chain start %#x beyond page size %#x", ErrMalformedSlideInfo, start, pageSize)
	}
	return []uint64{uint64(start)}, nil
}

// ParseSlideInfo parses a slide info blob into its version-specific record.
// Only the 4-byte version tag is examined before the version is validated;
// versions other than 2, 3 and 5 are rejected.
func ParseSlideInfo(data []byte) (SlideInfo, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: slide info blob too small (%d bytes)", ErrMalformedSlideInfo, len(data))
	}
	version := binary.LittleEndian.Uint32(data[:4])

	r := bytes.NewReader(data)

	switch version {
	case 2:
		info := &CacheSlideInfo2{}
		if err := binary.Read(r, binary.LittleEndian, &info.CacheSlideInfo2Header); err != nil {
			return nil, fmt.Errorf("%w: failed to read dyld_cache_slide_info2: %v", ErrMalformedSlideInfo, err)
		}
		if err := validatePageSize(info.PageSize); err != nil {
			return nil, err
		}
		var err error
		if info.PageStarts, err = readUint16Table(data, uint64(info.PageStartsOffset), info.PageStartsCount); err != nil {
			return nil, fmt.Errorf("%w: page_starts: %v", ErrMalformedSlideInfo, err)
		}
		if info.PageExtras, err = readUint16Table(data, uint64(info.PageExtrasOffset), info.PageExtrasCount); err != nil {
			return nil, fmt.Errorf("%w: page_extras: %v", ErrMalformedSlideInfo, err)
		}
		return info, nil
	case 3:
		info := &CacheSlideInfo3{}
		if err := binary.Read(r, binary.LittleEndian, &info.CacheSlideInfo3Header); err != nil {
			return nil, fmt.Errorf("%w: failed to read dyld_cache_slide_info3: %v", ErrMalformedSlideInfo, err)
		}
		if err := validatePageSize(info.PageSize); err != nil {
			return nil, err
		}
		var err error
		if info.PageStarts, err = readUint16Table(data, uint64(binary.Size(info.CacheSlideInfo3Header)), info.PageStartsCount); err != nil {
			return nil, fmt.Errorf("%w: page_starts: %v", ErrMalformedSlideInfo, err)
		}
		return info, nil
	case 5:
		info := &CacheSlideInfo5{}
		if err := binary.Read(r, binary.LittleEndian, &info.CacheSlideInfo5Header); err != nil {
			return nil, fmt.Errorf("%w: failed to read dyld_cache_slide_info5: %v", ErrMalformedSlideInfo, err)
		}
		if err := validatePageSize(info.PageSize); err != nil {
			return nil, err
		}
		var err error
		if info.PageStarts, err = readUint16Table(data, uint64(binary.Size(info.CacheSlideInfo5Header)), info.PageStartsCount); err != nil {
			return nil, fmt.Errorf("%w: page_starts: %v", ErrMalformedSlideInfo, err)
		}
		return info, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSlideVersion, version)
	}
}

func validatePageSize(pageSize uint32) error {
	if pageSize != 0x1000 && pageSize != 0x4000 {
		return fmt.Errorf("%w: page size %#x (expected 0x1000 or 0x4000)", ErrMalformedSlideInfo, pageSize)
	}
	return nil
}

func readUint16Table(data []byte, offset uint64, count uint32) ([]uint16, error) {
	end := offset + uint64(count)*2
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("table of %d entries at offset %#x runs past blob end (%#x)", count, offset, len(data))
	}
	table := make([]uint16, count)
	for n := range table {
		table[n] = binary.LittleEndian.Uint16(data[offset+uint64(n)*2:])
	}
	return table, nil
}
