package dyld

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// Known good magic
var knownMagic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

type magic [16]byte

func (m magic) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

type formatVersion uint32

const (
	DylibsExpectedOnDisk   formatVersion = 0x100
	IsSimulator            formatVersion = 0x200
	LocallyBuiltCache      formatVersion = 0x400
	BuiltFromChainedFixups formatVersion = 0x800
)

func (f formatVersion) Version() uint8 {
	return uint8(f & 0xff)
}

func (f formatVersion) IsDylibsExpectedOnDisk() bool {
	return (f & DylibsExpectedOnDisk) != 0
}

func (f formatVersion) IsSimulator() bool {
	return (f & IsSimulator) != 0
}

func (f formatVersion) IsLocallyBuiltCache() bool {
	return (f & LocallyBuiltCache) != 0
}

func (f formatVersion) IsBuiltFromChainedFixups() bool {
	return (f & BuiltFromChainedFixups) != 0
}

func (f formatVersion) String() string {
	var fStr []string
	if f.IsSimulator() {
		fStr = append(fStr, "Simulator")
	}
	if f.IsDylibsExpectedOnDisk() {
		fStr = append(fStr, "DylibsExpectedOnDisk")
	}
	if f.IsLocallyBuiltCache() {
		fStr = append(fStr, "LocallyBuiltCache")
	}
	if f.IsBuiltFromChainedFixups() {
		fStr = append(fStr, "BuiltFromChainedFixups")
	}
	if len(fStr) > 0 {
		return fmt.Sprintf("%d (%s)", f.Version(), strings.Join(fStr, "|"))
	}
	return fmt.Sprintf("%d", f.Version())
}

type cacheType uint64

const (
	CacheTypeDevelopment cacheType = 0
	CacheTypeProduction  cacheType = 1
	CacheTypeUniversal   cacheType = 2
)

func (t cacheType) String() string {
	switch t {
	case CacheTypeDevelopment:
		return "development"
	case CacheTypeProduction:
		return "production"
	case CacheTypeUniversal:
		return "universal"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type maxSlide uint64

func (m maxSlide) PossibleSlideValues() uint32 {
	return uint32(m / 0x4000)
}

func (m maxSlide) EntropyBits() int {
	return 32 - bits.LeadingZeros32(uint32(m.PossibleSlideValues()-1))
}

func (m maxSlide) Size() uint64 {
	return uint64(m >> 20)
}

func (m maxSlide) String() string {
	return fmt.Sprintf("0x%08X (ASLR entropy: %d-bits, %dMB)", uint64(m), m.EntropyBits(), m.Size())
}

// CacheHeader is the dyld_cache_header found at the start of the cache file.
type CacheHeader struct {
	Magic                 magic          // e.g. "dyld_v0    i386"
	MappingOffset         uint32         // file offset to first dyld_cache_mapping_info
	MappingCount          uint32         // number of dyld_cache_mapping_info entries
	ImagesOffsetOld       uint32         // UNUSED: moved to imagesOffset to prevent older dsc_extractors from crashing
	ImagesCountOld        uint32         // UNUSED: moved to imagesCount to prevent older dsc_extractors from crashing
	DyldBaseAddress       uint64         // base address of dyld when cache was built
	CodeSignatureOffset   uint64         // file offset of code signature blob
	CodeSignatureSize     uint64         // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused uint64         // unused.  Used to be file offset of kernel slid info
	SlideInfoSizeUnused   uint64         // unused.  Used to be size of kernel slid info
	LocalSymbolsOffset    uint64         // file offset of where local symbols are stored
	LocalSymbolsSize      uint64         // size of local symbols information
	UUID                  types.UUID     // unique value for each shared cache file
	CacheType             cacheType      // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset     uint32         // file offset to table of uint64_t pool addresses
	BranchPoolsCount      uint32         // number of uint64_t entries
	DyldInCacheMH         uint64         // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry      uint64         // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset      uint64         // file offset to first dyld_cache_image_text_info
	ImagesTextCount       uint64         // number of dyld_cache_image_text_info entries
	PatchInfoAddr         uint64         // (unslid) address of dyld_cache_patch_info
	PatchInfoSize         uint64         // size of all of the patch information pointed to via the dyld_cache_patch_info
	OtherImageGroupAddrUnused uint64     // unused
	OtherImageGroupSizeUnused uint64     // unused
	ProgClosuresAddr      uint64         // (unslid) address of list of program launch closures
	ProgClosuresSize      uint64         // size of list of program launch closures
	ProgClosuresTrieAddr  uint64         // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize  uint64         // size of trie of indexes into program launch closures
	Platform              types.Platform // platform number (macOS=1, etc)
	FormatVersion         formatVersion  /* : 8,  // dyld3::closure::kFormatVersion
	   dylibsExpectedOnDisk   : 1,  // dyld should expect the dylib exists on disk and to compare inode/mtime to see if cache is valid
	   simulator              : 1,  // for simulator of specified platform
	   locallyBuiltCache      : 1,  // 0 for B&I built cache, 1 for locally built cache
	   builtFromChainedFixups : 1,  // some dylib in cache was built using chained fixups, so patch tables must be used for overrides
	   padding                : 20; // TBD */
	SharedRegionStart      uint64   // base load address of cache if not slid
	SharedRegionSize       uint64   // overall size required to map the cache and all subCaches, if any
	MaxSlide               maxSlide // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr   uint64   // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize   uint64   // size of ImageArray for dylibs in this cache
	DylibsTrieAddr         uint64   // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize         uint64   // size of trie of cached dylib paths
	OtherImageArrayAddr    uint64   // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize    uint64   // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr          uint64   // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize          uint64   // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset uint32   // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount  uint32   // number of dyld_cache_mapping_and_slide_info entries
	/* dyld4 fields */
	DylibsPblStateArrayAddrUnused uint64         // unused
	DylibsPblSetAddr              uint64         // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPblSetPoolAddr        uint64         // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPblSetPoolSize        uint64         // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr               uint64         // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize               uint32         //
	OsVersion                     types.Version  // OS Version of dylibs in this cache for the main platform
	AltPlatform                   types.Platform // e.g. iOSMac on macOS
	AltOsVersion                  types.Version  // e.g. 14.0 for iOSMac
	SwiftOptsOffset               uint64         // VM offset from cache_header* to Swift optimizations header
	SwiftOptsSize                 uint64         // size of Swift optimizations header
	SubCacheArrayOffset           uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount            uint32         // number of subCache entries
	SymbolFileUUID                types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr           uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize           uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr          uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize          uint64         // maximum size of the Rosetta read-write region
	ImagesOffset                  uint32         // file offset to first dyld_cache_image_info
	ImagesCount                   uint32         // number of dyld_cache_image_info entries
	CacheSubType                  uint32         // 0 for development, 1 for production, when cacheType is multi-cache(2)
	_                             uint32         // padding
	ObjcOptsOffset                uint64         // VM offset from cache_header* to ObjC optimizations header
	ObjcOptsSize                  uint64         // size of ObjC optimizations header
	CacheAtlasOffset              uint64         // VM offset from cache_header* to embedded cache atlas for process introspection
	CacheAtlasSize                uint64         // size of embedded cache atlas
	DynamicDataOffset             uint64         // VM offset from cache_header* to the location of dyld_cache_dynamic_data_header
	DynamicDataMaxSize            uint64         // maximum size of space reserved from dynamic data
}

// CacheMappingInfo is the dyld_cache_mapping_info struct
type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// CacheMapping is a cache mapping with a segment name derived from its protections.
type CacheMapping struct {
	Name string
	CacheMappingInfo
}

type CacheMappingFlag uint64

const (
	DYLD_CACHE_MAPPING_NONE        CacheMappingFlag = 0
	DYLD_CACHE_MAPPING_AUTH_DATA   CacheMappingFlag = 1 << 0
	DYLD_CACHE_MAPPING_DIRTY_DATA  CacheMappingFlag = 1 << 1
	DYLD_CACHE_MAPPING_CONST_DATA  CacheMappingFlag = 1 << 2
	DYLD_CACHE_MAPPING_TEXT_STUBS  CacheMappingFlag = 1 << 3
	DYLD_CACHE_DYNAMIC_CONFIG_DATA CacheMappingFlag = 1 << 4
	DYLD_CACHE_MAPPING_UNKNOWN     CacheMappingFlag = 1 << 5
	DYLD_CACHE_MAPPING_TPRO        CacheMappingFlag = 1 << 6
)

func (f CacheMappingFlag) IsNone() bool {
	return f == DYLD_CACHE_MAPPING_NONE
}
func (f CacheMappingFlag) IsAuthData() bool {
	return (f & DYLD_CACHE_MAPPING_AUTH_DATA) != 0
}
func (f CacheMappingFlag) IsDirtyData() bool {
	return (f & DYLD_CACHE_MAPPING_DIRTY_DATA) != 0
}
func (f CacheMappingFlag) IsConstData() bool {
	return (f & DYLD_CACHE_MAPPING_CONST_DATA) != 0
}
func (f CacheMappingFlag) IsTextStubs() bool {
	return (f & DYLD_CACHE_MAPPING_TEXT_STUBS) != 0
}
func (f CacheMappingFlag) IsConfigData() bool {
	return (f & DYLD_CACHE_DYNAMIC_CONFIG_DATA) != 0
}
func (f CacheMappingFlag) IsTPRO() bool {
	return (f & DYLD_CACHE_MAPPING_TPRO) != 0
}

func (f CacheMappingFlag) String() string {
	var fStr []string
	if f.IsAuthData() {
		fStr = append(fStr, "AUTH_DATA")
	}
	if f.IsDirtyData() {
		fStr = append(fStr, "DIRTY_DATA")
	}
	if f.IsTPRO() {
		fStr = append(fStr, "TPRO")
	}
	if f.IsConstData() {
		fStr = append(fStr, "CONST_DATA")
	}
	if f.IsTextStubs() {
		fStr = append(fStr, "TEXT_STUBS")
	}
	if f.IsConfigData() {
		fStr = append(fStr, "CONFIG_DATA")
	}
	return strings.Join(fStr, " | ")
}

// CacheMappingAndSlideInfo is the dyld_cache_mapping_and_slide_info struct
type CacheMappingAndSlideInfo struct {
	Address         uint64             `json:"address,omitempty"`
	Size            uint64             `json:"size,omitempty"`
	FileOffset      uint64             `json:"file_offset,omitempty"`
	SlideInfoOffset uint64             `json:"slide_info_offset,omitempty"`
	SlideInfoSize   uint64             `json:"slide_info_size,omitempty"`
	Flags           CacheMappingFlag   `json:"flags,omitempty"`
	MaxProt         types.VmProtection `json:"max_prot,omitempty"`
	InitProt        types.VmProtection `json:"init_prot,omitempty"`
}

// CacheMappingWithSlideInfo pairs a mapping record with its parsed slide info.
type CacheMappingWithSlideInfo struct {
	Name string `json:"name,omitempty"`
	CacheMappingAndSlideInfo
	SlideInfo SlideInfo `json:"slide_info,omitempty"`
}

// CacheImageInfo is the dyld_cache_image_info struct
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// CacheImage represents an image in the cache's image table.
type CacheImage struct {
	Index uint32
	Name  string
	Info  CacheImageInfo
	CacheLocalSymbolsEntry64
}

func (i CacheImage) String() string {
	return fmt.Sprintf("%#x: %s", i.Info.Address, i.Name)
}

// CacheLocalSymbolsInfo is the dyld_cache_local_symbols_info struct
type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

// CacheLocalSymbolsEntry is the dyld_cache_local_symbols_entry struct
type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

// CacheLocalSymbolsEntry64 is the 64-bit dyld_cache_local_symbols_entry struct
type CacheLocalSymbolsEntry64 struct {
	DylibOffset     uint64 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

type localSymbolInfo struct {
	CacheLocalSymbolsInfo
	NListFileOffset   uint32
	NListByteSize     uint32
	StringsFileOffset uint32
}

// SubcacheEntry is a normalized dyld_subcache_entry.
type SubcacheEntry struct {
	UUID          types.UUID
	CacheVMOffset uint64
	Extension     string
}

type subcacheEntryV1 struct {
	UUID          types.UUID
	CacheVMOffset uint64
}

type subcacheEntryV2 struct {
	UUID          types.UUID
	CacheVMOffset uint64
	FileSuffix    [32]byte
}
