package dyld

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// A File represents an open dyld shared cache file.
type File struct {
	CacheHeader
	ByteOrder binary.ByteOrder

	Mappings              []*CacheMapping
	MappingsWithSlideInfo []*CacheMappingWithSlideInfo
	Images                []*CacheImage
	SubCaches             []SubcacheEntry
	LocalSymInfo          localSymbolInfo

	r      io.ReaderAt
	closer io.Closer
}

// FormatError is returned by some operations if the data does
// not have the correct format for a cache file.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Open opens the named file using os.Open and prepares it for use as a dyld shared cache.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a dyld shared cache in an underlying reader.
// The cache is expected to start at position 0 in the ReaderAt.
func NewFile(r io.ReaderAt) (*File, error) {
	f := new(File)
	sr := io.NewSectionReader(r, 0, 1<<63-1)
	f.r = r

	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, err
	}
	if !slices.Contains(knownMagic, strings.Trim(string(ident[:]), "\x00")) &&
		!slices.ContainsFunc(knownMagic, func(m string) bool { return strings.HasPrefix(string(ident[:]), m) }) {
		return nil, &FormatError{0, "invalid magic number", strings.Trim(string(ident[:]), "\x00")}
	}

	f.ByteOrder = binary.LittleEndian

	if err := f.readHeader(sr); err != nil {
		return nil, err
	}
	if err := f.readMappings(sr); err != nil {
		return nil, err
	}
	if err := f.readImages(sr); err != nil {
		return nil, err
	}
	if err := f.readSubCaches(sr); err != nil {
		return nil, err
	}
	if err := f.readLocalSymbolsInfo(sr); err != nil {
		return nil, err
	}

	return f, nil
}

// readHeader reads the cache header, tolerating older caches whose header is
// shorter than the current dyld_cache_header: mappingOffset marks where the
// header ends, the rest stays zero.
func (f *File) readHeader(sr *io.SectionReader) error {
	var peek [24]byte
	if _, err := sr.ReadAt(peek[:], 0); err != nil {
		return errors.Wrap(err, "failed to read cache header")
	}
	mappingOffset := binary.LittleEndian.Uint32(peek[16:20])

	hdrSize := uint32(binary.Size(f.CacheHeader))
	if mappingOffset == 0 || mappingOffset > 0x10000 {
		return &FormatError{16, "invalid mapping offset", mappingOffset}
	}

	buf := make([]byte, hdrSize)
	if _, err := sr.ReadAt(buf[:min(mappingOffset, hdrSize)], 0); err != nil {
		return errors.Wrap(err, "failed to read cache header")
	}
	if err := binary.Read(bytes.NewReader(buf), f.ByteOrder, &f.CacheHeader); err != nil {
		return errors.Wrap(err, "failed to parse cache header")
	}
	return nil
}

func (f *File) readMappings(sr *io.SectionReader) error {
	sr.Seek(int64(f.MappingOffset), io.SeekStart)
	for i := uint32(0); i != f.MappingCount; i++ {
		cmInfo := CacheMappingInfo{}
		if err := binary.Read(sr, f.ByteOrder, &cmInfo); err != nil {
			return errors.Wrapf(err, "failed to read mapping %d", i)
		}
		cm := &CacheMapping{CacheMappingInfo: cmInfo}
		if cmInfo.InitProt.Execute() {
			cm.Name = "__TEXT"
		} else if cmInfo.InitProt.Write() {
			cm.Name = "__DATA"
		} else if cmInfo.InitProt.Read() {
			cm.Name = "__LINKEDIT"
		}
		f.Mappings = append(f.Mappings, cm)
	}

	if f.MappingWithSlideOffset > 0 {
		sr.Seek(int64(f.MappingWithSlideOffset), io.SeekStart)
		for i := uint32(0); i != f.MappingWithSlideCount; i++ {
			cmInfo := CacheMappingAndSlideInfo{}
			if err := binary.Read(sr, f.ByteOrder, &cmInfo); err != nil {
				return errors.Wrapf(err, "failed to read mapping_and_slide_info %d", i)
			}
			cm := &CacheMappingWithSlideInfo{CacheMappingAndSlideInfo: cmInfo}
			cm.Name = mappingName(cmInfo)
			if cmInfo.SlideInfoSize > 0 {
				info, err := f.parseSlideInfoHeader(cmInfo)
				if err != nil {
					return errors.Wrapf(err, "failed to parse slide info for mapping %s", cm.Name)
				}
				cm.SlideInfo = info
			}
			f.MappingsWithSlideInfo = append(f.MappingsWithSlideInfo, cm)
		}
	} else if f.SlideInfoOffsetUnused > 0 && len(f.Mappings) > 1 {
		// legacy cache: slide info lives behind the header offset pair and
		// always describes the __DATA mapping
		dataMapping := f.Mappings[1]
		cm := &CacheMappingWithSlideInfo{
			Name: dataMapping.Name,
			CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
				Address:         dataMapping.Address,
				Size:            dataMapping.Size,
				FileOffset:      dataMapping.FileOffset,
				SlideInfoOffset: f.SlideInfoOffsetUnused,
				SlideInfoSize:   f.SlideInfoSizeUnused,
				MaxProt:         dataMapping.MaxProt,
				InitProt:        dataMapping.InitProt,
			},
		}
		info, err := f.parseSlideInfoHeader(cm.CacheMappingAndSlideInfo)
		if err != nil {
			return errors.Wrap(err, "failed to parse legacy slide info")
		}
		cm.SlideInfo = info
		f.MappingsWithSlideInfo = append(f.MappingsWithSlideInfo, cm)
	}

	return nil
}

func mappingName(m CacheMappingAndSlideInfo) string {
	switch {
	case m.InitProt.Execute():
		if m.Flags.IsTextStubs() {
			return "__TEXT_STUBS"
		}
		return "__TEXT"
	case m.InitProt.Write():
		var name string
		if m.Flags.IsAuthData() {
			name = "__AUTH"
		} else {
			name = "__DATA"
		}
		if m.Flags.IsDirtyData() {
			name += "_DIRTY"
		} else if m.Flags.IsConstData() {
			name += "_CONST"
		}
		return name
	case m.InitProt.Read():
		return "__LINKEDIT"
	default:
		return "UNKNOWN"
	}
}

func (f *File) readImages(sr *io.SectionReader) error {
	imagesOffset, imagesCount := f.ImagesOffset, f.ImagesCount
	if imagesOffset == 0 {
		imagesOffset, imagesCount = f.ImagesOffsetOld, f.ImagesCountOld
	}

	sr.Seek(int64(imagesOffset), io.SeekStart)
	for i := uint32(0); i != imagesCount; i++ {
		iinfo := CacheImageInfo{}
		if err := binary.Read(sr, f.ByteOrder, &iinfo); err != nil {
			return errors.Wrapf(err, "failed to read image info %d", i)
		}
		f.Images = append(f.Images, &CacheImage{Index: i, Info: iinfo})
	}
	for idx, image := range f.Images {
		sr.Seek(int64(image.Info.PathFileOffset), io.SeekStart)
		r := bufio.NewReader(sr)
		if name, err := r.ReadString(byte(0)); err == nil {
			f.Images[idx].Name = strings.Trim(name, "\x00")
		}
	}
	return nil
}

func (f *File) readSubCaches(sr *io.SectionReader) error {
	if f.SubCacheArrayOffset == 0 || f.SubCacheArrayCount == 0 {
		return nil
	}
	sr.Seek(int64(f.SubCacheArrayOffset), io.SeekStart)
	// the subcache entry grew a file suffix once the header grew past the
	// dynamic data fields
	v2 := f.MappingOffset >= uint32(binary.Size(CacheHeader{}))
	for i := uint32(0); i != f.SubCacheArrayCount; i++ {
		if v2 {
			var entry subcacheEntryV2
			if err := binary.Read(sr, f.ByteOrder, &entry); err != nil {
				return errors.Wrapf(err, "failed to read subcache entry %d", i)
			}
			f.SubCaches = append(f.SubCaches, SubcacheEntry{
				UUID:          entry.UUID,
				CacheVMOffset: entry.CacheVMOffset,
				Extension:     strings.Trim(string(entry.FileSuffix[:]), "\x00"),
			})
		} else {
			var entry subcacheEntryV1
			if err := binary.Read(sr, f.ByteOrder, &entry); err != nil {
				return errors.Wrapf(err, "failed to read subcache entry %d", i)
			}
			f.SubCaches = append(f.SubCaches, SubcacheEntry{
				UUID:          entry.UUID,
				CacheVMOffset: entry.CacheVMOffset,
				Extension:     fmt.Sprintf(".%d", i+1),
			})
		}
	}
	return nil
}

func (f *File) readLocalSymbolsInfo(sr *io.SectionReader) error {
	if f.LocalSymbolsOffset == 0 {
		return nil
	}
	sr.Seek(int64(f.LocalSymbolsOffset), io.SeekStart)
	if err := binary.Read(sr, f.ByteOrder, &f.LocalSymInfo.CacheLocalSymbolsInfo); err != nil {
		return errors.Wrap(err, "failed to read local symbols info")
	}

	if f.Is64bit() {
		f.LocalSymInfo.NListByteSize = f.LocalSymInfo.NlistCount * 16
	} else {
		f.LocalSymInfo.NListByteSize = f.LocalSymInfo.NlistCount * 12
	}
	f.LocalSymInfo.NListFileOffset = uint32(f.LocalSymbolsOffset) + f.LocalSymInfo.NlistOffset
	f.LocalSymInfo.StringsFileOffset = uint32(f.LocalSymbolsOffset) + f.LocalSymInfo.StringsOffset

	sr.Seek(int64(f.LocalSymbolsOffset)+int64(f.LocalSymInfo.EntriesOffset), io.SeekStart)
	for i := uint32(0); i != f.LocalSymInfo.EntriesCount && int(i) < len(f.Images); i++ {
		if f.MappingWithSlideOffset > 0 { // new format caches use the 64-bit entry
			if err := binary.Read(sr, f.ByteOrder, &f.Images[i].CacheLocalSymbolsEntry64); err != nil {
				return errors.Wrapf(err, "failed to read local symbols entry %d", i)
			}
		} else {
			var entry CacheLocalSymbolsEntry
			if err := binary.Read(sr, f.ByteOrder, &entry); err != nil {
				return errors.Wrapf(err, "failed to read local symbols entry %d", i)
			}
			f.Images[i].CacheLocalSymbolsEntry64 = CacheLocalSymbolsEntry64{
				DylibOffset:     uint64(entry.DylibOffset),
				NlistStartIndex: entry.NlistStartIndex,
				NlistCount:      entry.NlistCount,
			}
		}
	}
	return nil
}

// Is64bit reports whether the cache is for a 64-bit architecture.
func (f *File) Is64bit() bool {
	return strings.Contains(f.Magic.String(), "64")
}

func (f *File) parseSlideInfoHeader(m CacheMappingAndSlideInfo) (SlideInfo, error) {
	blob := make([]byte, m.SlideInfoSize)
	if _, err := f.r.ReadAt(blob, int64(m.SlideInfoOffset)); err != nil {
		return nil, errors.Wrapf(err, "failed to read slide info blob at %#x", m.SlideInfoOffset)
	}
	return ParseSlideInfo(blob)
}

// GetSlideInfo returns a RebaseWalker over the given mapping's rebase chains.
func (f *File) GetSlideInfo(mapping *CacheMappingWithSlideInfo) (*RebaseWalker, error) {
	if f.ByteOrder != binary.LittleEndian {
		return nil, fmt.Errorf("%w: big-endian caches cannot be decoded", ErrUnsupportedByteOrder)
	}
	if mapping.SlideInfoSize == 0 {
		return nil, fmt.Errorf("%w: mapping %s has no slide info", ErrMalformedSlideInfo, mapping.Name)
	}

	info := mapping.SlideInfo
	if info == nil {
		var err error
		if info, err = f.parseSlideInfoHeader(mapping.CacheMappingAndSlideInfo); err != nil {
			return nil, err
		}
		mapping.SlideInfo = info
	}

	data := make([]byte, mapping.Size)
	if _, err := f.r.ReadAt(data, int64(mapping.FileOffset)); err != nil {
		return nil, errors.Wrapf(err, "failed to read mapping %s data at %#x", mapping.Name, mapping.FileOffset)
	}

	return NewRebaseWalker(info, mapping.CacheMappingAndSlideInfo, data)
}

// ForEachRebase walks the mapping's rebase chains in page order, calling fn
// for every location that needs rebasing. fn may return ErrStopWalking to
// terminate early.
func (f *File) ForEachRebase(mapping *CacheMappingWithSlideInfo, fn func(*Rebase) error) error {
	walker, err := f.GetSlideInfo(mapping)
	if err != nil {
		return err
	}
	return walker.Walk(fn)
}

// GetRebaseInfoForPages decodes the mapping's rebase chains concurrently and
// returns the rebases in page order along with any per-page decode errors.
func (f *File) GetRebaseInfoForPages(ctx context.Context, mapping *CacheMappingWithSlideInfo, workers int) ([]Rebase, []*PageError, error) {
	walker, err := f.GetSlideInfo(mapping)
	if err != nil {
		return nil, nil, err
	}
	return walker.Rebases(ctx, workers)
}

// DumpSlideInfo writes a textual dump of the mapping's slide info to w.
func (f *File) DumpSlideInfo(w io.Writer, mapping *CacheMappingWithSlideInfo) error {
	walker, err := f.GetSlideInfo(mapping)
	if err != nil {
		return err
	}

	info := walker.SlideInfo()
	fmt.Fprintf(w, "slide info version = %d\n", info.GetVersion())
	fmt.Fprintf(w, "page_size          = %#x\n", info.GetPageSize())
	switch si := info.(type) {
	case *CacheSlideInfo2:
		fmt.Fprintf(w, "page_starts_count  = %d\n", si.PageStartsCount)
		fmt.Fprintf(w, "page_extras_count  = %d\n", si.PageExtrasCount)
		fmt.Fprintf(w, "delta_mask         = %#016x\n", si.DeltaMask)
		fmt.Fprintf(w, "value_add          = %#016x\n", si.ValueAdd)
	case *CacheSlideInfo3:
		fmt.Fprintf(w, "page_starts_count  = %d\n", si.PageStartsCount)
		fmt.Fprintf(w, "auth_value_add     = %#016x\n", si.AuthValueAdd)
	case *CacheSlideInfo5:
		fmt.Fprintf(w, "page_starts_count  = %d\n", si.PageStartsCount)
		fmt.Fprintf(w, "value_add          = %#016x\n", si.ValueAdd)
	}

	for page := uint64(0); page < walker.PageCount(); page++ {
		count := 0
		err := walker.WalkPage(page, func(r *Rebase) error {
			if count == 0 {
				fmt.Fprintf(w, "page[% 5d]:\n", page)
			}
			count++
			fmt.Fprintf(w, "    %s\n", r)
			return nil
		})
		if err != nil {
			log.WithError(err).Warnf("failed to dump page %d", page)
			continue
		}
		if count == 0 {
			fmt.Fprintf(w, "page[% 5d]: no rebasing\n", page)
		}
	}
	return nil
}

func (f *File) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Header\n")
	fmt.Fprintf(&b, "======\n")
	fmt.Fprintf(&b, "Magic               = %q\n", f.Magic.String())
	fmt.Fprintf(&b, "UUID                = %s\n", f.UUID)
	fmt.Fprintf(&b, "Platform            = %s\n", f.Platform)
	fmt.Fprintf(&b, "Format              = %s\n", f.FormatVersion)
	if f.MaxSlide > 0 {
		fmt.Fprintf(&b, "Max Slide           = %s\n", f.MaxSlide)
	}
	fmt.Fprintf(&b, "Shared Region Start = %#x\n", f.SharedRegionStart)
	fmt.Fprintf(&b, "Shared Region Size  = %#x\n", f.SharedRegionSize)
	fmt.Fprintf(&b, "Images              = %d\n", len(f.Images))
	fmt.Fprintf(&b, "SubCaches           = %d\n", len(f.SubCaches))
	fmt.Fprintf(&b, "\nMappings\n")
	fmt.Fprintf(&b, "========\n")
	if len(f.MappingsWithSlideInfo) > 0 {
		for _, m := range f.MappingsWithSlideInfo {
			slide := "no slide info"
			if m.SlideInfo != nil {
				slide = fmt.Sprintf("slide info v%d", m.SlideInfo.GetVersion())
			}
			fmt.Fprintf(&b, "%-14s %#09x -> %#09x (%#x bytes, %s)\n", m.Name, m.Address, m.Address+m.Size, m.Size, slide)
		}
	} else {
		for _, m := range f.Mappings {
			fmt.Fprintf(&b, "%-14s %#09x -> %#09x (%#x bytes)\n", m.Name, m.Address, m.Address+m.Size, m.Size)
		}
	}
	return b.String()
}
