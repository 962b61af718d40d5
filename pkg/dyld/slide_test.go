package dyld

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func buildV2Blob(t *testing.T, pageSize uint32, deltaMask, valueAdd uint64, starts, extras []uint16) []byte {
	t.Helper()
	hdr := CacheSlideInfo2Header{
		Version:   2,
		PageSize:  pageSize,
		DeltaMask: deltaMask,
		ValueAdd:  valueAdd,
	}
	hdrSize := uint32(binary.Size(hdr))
	hdr.PageStartsOffset = hdrSize
	hdr.PageStartsCount = uint32(len(starts))
	hdr.PageExtrasOffset = hdrSize + uint32(len(starts))*2
	hdr.PageExtrasCount = uint32(len(extras))

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, starts); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, extras); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildV3Blob(t *testing.T, pageSize uint32, authValueAdd uint64, starts []uint16) []byte {
	t.Helper()
	hdr := CacheSlideInfo3Header{
		Version:         3,
		PageSize:        pageSize,
		PageStartsCount: uint32(len(starts)),
		AuthValueAdd:    authValueAdd,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, starts); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildV5Blob(t *testing.T, pageSize uint32, valueAdd uint64, starts []uint16) []byte {
	t.Helper()
	hdr := CacheSlideInfo5Header{
		Version:         5,
		PageSize:        pageSize,
		PageStartsCount: uint32(len(starts)),
		ValueAdd:        valueAdd,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, starts); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseSlideInfoRejectsVersions(t *testing.T) {
	for _, version := range []uint32{0, 1, 4, 99} {
		blob := make([]byte, 64)
		binary.LittleEndian.PutUint32(blob, version)
		if _, err := ParseSlideInfo(blob); !errors.Is(err, ErrUnsupportedSlideVersion) {
			t.Errorf("version %d: got %v, want ErrUnsupportedSlideVersion", version, err)
		}
	}
}

func TestParseSlideInfoTruncated(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"short version", []byte{2, 0}},
		{"v2 header only partial", append([]byte{2, 0, 0, 0}, make([]byte, 8)...)},
		{"v3 table runs past end", buildV3Blob(t, 0x1000, 0, []uint16{0, 0, 0})[:26]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSlideInfo(tt.blob); !errors.Is(err, ErrMalformedSlideInfo) {
				t.Errorf("got %v, want ErrMalformedSlideInfo", err)
			}
		})
	}
}

func TestParseSlideInfoBadPageSize(t *testing.T) {
	blob := buildV3Blob(t, 0x2000, 0x180000000, []uint16{0xFFFF})
	if _, err := ParseSlideInfo(blob); !errors.Is(err, ErrMalformedSlideInfo) {
		t.Errorf("got %v, want ErrMalformedSlideInfo for page size 0x2000", err)
	}
}

func TestSlideInfo2SlidePointer(t *testing.T) {
	info := &CacheSlideInfo2{CacheSlideInfo2Header: CacheSlideInfo2Header{
		DeltaMask: 0xFFFF0000,
		ValueAdd:  0x100000000,
	}}
	tests := []struct {
		raw  uint64
		want uint64
	}{
		{0x00011000, 0x100001000},
		{0x00010000, 0}, // zero value stays unbiased
		{0x00002000, 0x100002000},
	}
	for _, tt := range tests {
		if got := info.SlidePointer(tt.raw); got != tt.want {
			t.Errorf("SlidePointer(%#x) = %#x, want %#x", tt.raw, got, tt.want)
		}
	}
}

func TestSlideInfo2Chain(t *testing.T) {
	blob := buildV2Blob(t, 0x1000, 0xFFFF0000, 0x100000000, []uint16{0}, nil)
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint32(page[0:], 0x00011000) // value 0x1000, delta 1
	// cell at offset 4 is zero: target 0, chain ends

	var got []Rebase
	dec := info.(slideDecoder)
	starts, err := dec.startsForPage(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(starts) != 1 || starts[0] != 0 {
		t.Fatalf("startsForPage(0) = %v, want [0]", starts)
	}
	if err := dec.walkChain(page, starts[0], func(r *Rebase) error {
		got = append(got, *r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d rebases, want 2", len(got))
	}
	if got[0].PageOffset != 0 || got[0].Target != 0x100001000 || got[0].Next != 1 {
		t.Errorf("rebase[0] = %+v, want offset 0 target 0x100001000 next 1", got[0])
	}
	if got[1].PageOffset != 4 || got[1].Target != 0 || got[1].Next != 0 {
		t.Errorf("rebase[1] = %+v, want offset 4 target 0 next 0", got[1])
	}
}

func TestSlideInfo2Extras(t *testing.T) {
	// page 0 points into extras: two chain starts at offsets 4 and 8
	starts := []uint16{DYLD_CACHE_SLIDE_V2_PAGE_USE_EXTRA | 0}
	extras := []uint16{DYLD_CACHE_SLIDE_V2_PAGE_EXTRA_MORE | 1, 2}
	blob := buildV2Blob(t, 0x1000, 0xFFFF0000, 0, starts, extras)
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}

	dec := info.(slideDecoder)
	got, err := dec.startsForPage(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{4, 8}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("startsForPage(0) = %v, want %v", got, want)
	}
}

func TestSlideInfo2ExtrasOutOfBounds(t *testing.T) {
	starts := []uint16{DYLD_CACHE_SLIDE_V2_PAGE_USE_EXTRA | 5}
	blob := buildV2Blob(t, 0x1000, 0xFFFF0000, 0, starts, []uint16{2})
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := info.(slideDecoder).startsForPage(0); !errors.Is(err, ErrPageIndexOutOfBounds) {
		t.Errorf("got %v, want ErrPageIndexOutOfBounds", err)
	}
}

func TestSlideInfo2NoRebasePage(t *testing.T) {
	blob := buildV2Blob(t, 0x1000, 0xFFFF0000, 0, []uint16{DYLD_CACHE_SLIDE_V2_PAGE_NO_REBASE}, nil)
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}
	starts, err := info.(slideDecoder).startsForPage(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(starts) != 0 {
		t.Errorf("startsForPage(0) = %v, want empty", starts)
	}
}

func TestSlidePointer3Fields(t *testing.T) {
	plain := CacheSlidePointer3(0x180000000 | 2<<51)
	if plain.Authenticated() {
		t.Error("plain pointer reported as authenticated")
	}
	if got := plain.OffsetToNextPointer(); got != 2 {
		t.Errorf("next = %d, want 2", got)
	}
	if got := plain.SignExtend51(); got != 0x180000000 {
		t.Errorf("SignExtend51() = %#x, want 0x180000000", got)
	}

	auth := CacheSlidePointer3(0x4000 | 0xBEEF<<32 | 1<<48 | 2<<49 | 1<<63)
	if !auth.Authenticated() {
		t.Error("auth pointer not reported as authenticated")
	}
	if got := auth.OffsetFromSharedCacheBase(); got != 0x4000 {
		t.Errorf("offsetFromSharedCacheBase = %#x, want 0x4000", got)
	}
	if got := auth.DiversityData(); got != 0xBEEF {
		t.Errorf("diversity = %#x, want 0xBEEF", got)
	}
	if !auth.HasAddressDiversity() {
		t.Error("addr diversity not set")
	}
	if got := KeyName(auth.Key()); got != "DA" {
		t.Errorf("key = %s, want DA", got)
	}
	if got := auth.OffsetToNextPointer(); got != 0 {
		t.Errorf("next = %d, want 0", got)
	}
}

func TestSlidePointer3AuthBitDiscriminates(t *testing.T) {
	// flipping only bit 63 must flip the interpretation, nothing else
	raw := uint64(0x4000 | 0x1234<<32 | 3<<49 | 5<<51)
	if CacheSlidePointer3(raw).Authenticated() {
		t.Fatal("bit 63 clear but Authenticated() true")
	}
	if !CacheSlidePointer3(raw | 1<<63).Authenticated() {
		t.Fatal("bit 63 set but Authenticated() false")
	}
}

func TestSlideInfo3Chain(t *testing.T) {
	blob := buildV3Blob(t, 0x1000, 0x180000000, []uint16{0})
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(page[0:], 0x180000000|2<<51)                      // plain, next cell 16 bytes on
	binary.LittleEndian.PutUint64(page[16:], 0x4000|0xBEEF<<32|1<<48|2<<49|1<<63) // auth, chain end

	var got []Rebase
	if err := info.(slideDecoder).walkChain(page, 0, func(r *Rebase) error {
		got = append(got, *r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d rebases, want 2", len(got))
	}
	if got[0].Authenticated || got[0].Target != 0x180000000 || got[0].Next != 2 {
		t.Errorf("rebase[0] = %+v, want plain target 0x180000000 next 2", got[0])
	}
	r := got[1]
	if !r.Authenticated || r.Target != 0x180004000 || r.Key != "DA" || !r.AddrDiversity || r.Diversity != 0xBEEF {
		t.Errorf("rebase[1] = %+v, want auth target 0x180004000 key DA diversity 0xBEEF", r)
	}
	if r.Next != 0 {
		t.Errorf("last rebase next = %d, want 0", r.Next)
	}
}

func TestSlidePointer5Fields(t *testing.T) {
	regular := CacheSlidePointer5(0x1000 | 0x80<<34 | 1<<52)
	if regular.Authenticated() {
		t.Error("regular pointer reported as authenticated")
	}
	if got := regular.RuntimeOffset(); got != 0x1000 {
		t.Errorf("runtimeOffset = %#x, want 0x1000", got)
	}
	if got := regular.High8(); got != 0x80 {
		t.Errorf("high8 = %#x, want 0x80", got)
	}
	if got := regular.OffsetToNextPointer(); got != 1 {
		t.Errorf("next = %d, want 1", got)
	}

	auth := CacheSlidePointer5(0x2000 | 0x1234<<34 | 1<<51 | 1<<63)
	if !auth.Authenticated() {
		t.Error("auth pointer not reported as authenticated")
	}
	if got := auth.RuntimeOffset(); got != 0x2000 {
		t.Errorf("runtimeOffset = %#x, want 0x2000", got)
	}
	if got := auth.DiversityData(); got != 0x1234 {
		t.Errorf("diversity = %#x, want 0x1234", got)
	}
	if got := KeyNameV5(auth.KeyIsData()); got != "DA" {
		t.Errorf("key = %s, want DA", got)
	}
	if auth.HasAddressDiversity() {
		t.Error("addr diversity set unexpectedly")
	}
}

func TestSlideInfo5Chain(t *testing.T) {
	blob := buildV5Blob(t, 0x1000, 0x180000000, []uint16{0})
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(page[0:], 0x1000|0x80<<34|1<<52)      // regular, next 8 bytes on
	binary.LittleEndian.PutUint64(page[8:], 0x2000|0x1234<<34|1<<51|1<<63) // auth DA, chain end

	var got []Rebase
	if err := info.(slideDecoder).walkChain(page, 0, func(r *Rebase) error {
		got = append(got, *r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d rebases, want 2", len(got))
	}
	if got[0].Authenticated || got[0].Target != 0x8000000180001000 {
		t.Errorf("rebase[0].Target = %#x, want 0x8000000180001000", got[0].Target)
	}
	if !got[1].Authenticated || got[1].Target != 0x180002000 || got[1].Key != "DA" || got[1].Diversity != 0x1234 {
		t.Errorf("rebase[1] = %+v, want auth target 0x180002000 key DA diversity 0x1234", got[1])
	}
}

func TestSlideInfo5SlidePointer(t *testing.T) {
	info := &CacheSlideInfo5{CacheSlideInfo5Header: CacheSlideInfo5Header{ValueAdd: 0x180000000}}
	tests := []struct {
		name string
		raw  uint64
		want uint64
	}{
		{"zero", 0, 0},
		{"regular with high8", 0x1000 | 0x80<<34, 0x8000000180001000},
		{"auth drops high bits", 0x2000 | 0x1234<<34 | 1<<51 | 1<<63, 0x180002000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := info.SlidePointer(tt.raw); got != tt.want {
				t.Errorf("SlidePointer(%#x) = %#x, want %#x", tt.raw, got, tt.want)
			}
		})
	}
}

func TestChainStartBeyondPage(t *testing.T) {
	blob := buildV3Blob(t, 0x1000, 0, []uint16{0x1008})
	info, err := ParseSlideInfo(blob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := info.(slideDecoder).startsForPage(0); !errors.Is(err, ErrMalformedSlideInfo) {
		t.Errorf("got %v, want ErrMalformedSlideInfo for chain start beyond page", err)
	}
}

func TestWalkChainCycleBound(t *testing.T) {
	// An oversized page slice lets a never-terminating chain advance past
	// pageSize/stride cells without tripping the bounds check first; the step
	// bound has to fire.
	info := &CacheSlideInfo3{CacheSlideInfo3Header: CacheSlideInfo3Header{
		Version:  3,
		PageSize: 0x1000,
	}}
	page := make([]byte, 0x2000)
	for off := 0; off < len(page); off += 8 {
		binary.LittleEndian.PutUint64(page[off:], 1<<51) // next = 1, forever
	}
	err := info.walkChain(page, 0, func(*Rebase) error { return nil })
	if !errors.Is(err, ErrChainCycleDetected) {
		t.Errorf("got %v, want ErrChainCycleDetected", err)
	}
}

func TestWalkChainOffPageEnd(t *testing.T) {
	info := &CacheSlideInfo5{CacheSlideInfo5Header: CacheSlideInfo5Header{
		Version:  5,
		PageSize: 0x1000,
	}}
	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(page[0:], 0x7FF<<52) // next jumps past page end
	err := info.walkChain(page, 0, func(*Rebase) error { return nil })
	if !errors.Is(err, ErrMalformedSlideInfo) {
		t.Errorf("got %v, want ErrMalformedSlideInfo", err)
	}
}
