package dyld

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnsupportedSlideVersion is returned for slide info versions other than 2, 3 and 5.
	ErrUnsupportedSlideVersion = errors.New("unsupported slide info version")
	// ErrMalformedSlideInfo is returned for truncated or size-inconsistent slide info.
	ErrMalformedSlideInfo = errors.New("malformed slide info")
	// ErrUnsupportedByteOrder is returned when the cache is not little-endian.
	ErrUnsupportedByteOrder = errors.New("unsupported byte order")
	// ErrPageCountMismatch is returned when a mapping's size is not a multiple of the page size.
	ErrPageCountMismatch = errors.New("mapping size is not a multiple of page size")
	// ErrPageIndexOutOfBounds is returned when a page or extras index is beyond table bounds.
	ErrPageIndexOutOfBounds = errors.New("page index out of bounds")
	// ErrChainCycleDetected is returned when a pointer chain exceeds the maximum
	// possible steps for a page.
	ErrChainCycleDetected = errors.New("pointer chain cycle detected")
	// ErrStopWalking can be returned by a walk callback to terminate early.
	ErrStopWalking = errors.New("stop walking")
)

// PageError reports a decode failure local to one page. Sibling pages are
// unaffected; the walker keeps going.
type PageError struct {
	Page uint64
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Rebase is one location in a mapping that needs rebasing: the raw chain
// cell, the reconstructed unslid target and the PAC metadata needed to
// re-derive the slid value at load time.
type Rebase struct {
	PageIndex       uint64 `json:"page_index"`
	PageOffset      uint64 `json:"page_offset"`
	CacheFileOffset uint64 `json:"cache_file_offset"`
	CacheVMAddress  uint64 `json:"cache_vm_address"`
	Raw             uint64 `json:"raw"`
	Target          uint64 `json:"target"`
	Next            uint64 `json:"next"`
	Authenticated   bool   `json:"authenticated,omitempty"`
	Key             string `json:"key,omitempty"`
	AddrDiversity   bool   `json:"addr_div,omitempty"`
	Diversity       uint64 `json:"diversity,omitempty"`
	Pointer         any    `json:"pointer,omitempty"`
}

func (r Rebase) String() string {
	if r.Authenticated {
		return fmt.Sprintf("%#09x: %#016x -> %#016x (diversity: %#04x, addr_div: %t, key: %s)",
			r.CacheVMAddress, r.Raw, r.Target, r.Diversity, r.AddrDiversity, r.Key)
	}
	return fmt.Sprintf("%#09x: %#016x -> %#016x", r.CacheVMAddress, r.Raw, r.Target)
}

// RebaseWalker decodes the rebase chains of one mapping. It holds no walk
// state, so every Walk* call restarts from the page table and the walker can
// be shared by concurrent walks.
type RebaseWalker struct {
	info    SlideInfo
	dec     slideDecoder
	mapping CacheMappingAndSlideInfo
	data    []byte
	pages   uint64
}

// NewRebaseWalker binds parsed slide info to a mapping's file bytes.
func NewRebaseWalker(info SlideInfo, mapping CacheMappingAndSlideInfo, data []byte) (*RebaseWalker, error) {
	dec, ok := info.(slideDecoder)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSlideVersion, info.GetVersion())
	}
	pageSize := uint64(info.GetPageSize())
	if pageSize == 0 || mapping.Size%pageSize != 0 {
		return nil, fmt.Errorf("%w: mapping size %#x, page size %#x", ErrPageCountMismatch, mapping.Size, pageSize)
	}
	if uint64(len(data)) < mapping.Size {
		return nil, fmt.Errorf("%w: mapping data %#x bytes, expected %#x", ErrMalformedSlideInfo, len(data), mapping.Size)
	}
	return &RebaseWalker{
		info:    info,
		dec:     dec,
		mapping: mapping,
		data:    data[:mapping.Size],
		pages:   mapping.Size / pageSize,
	}, nil
}

// SlideInfo returns the walker's parsed slide info.
func (w *RebaseWalker) SlideInfo() SlideInfo {
	return w.info
}

// PageCount returns the number of pages in the mapping.
func (w *RebaseWalker) PageCount() uint64 {
	return w.pages
}

// WalkPage walks every chain of one page in chain order. Decode failures are
// wrapped in a *PageError; errors returned by fn (including ErrStopWalking)
// are passed through unchanged.
func (w *RebaseWalker) WalkPage(page uint64, fn func(*Rebase) error) error {
	if page >= w.pages {
		return &PageError{Page: page, Err: fmt.Errorf("%w: page %d (page count %d)", ErrPageIndexOutOfBounds, page, w.pages)}
	}
	starts, err := w.dec.startsForPage(page)
	if err != nil {
		return &PageError{Page: page, Err: err}
	}
	pageSize := uint64(w.info.GetPageSize())
	pageBase := page * pageSize
	pageData := w.data[pageBase : pageBase+pageSize]
	for _, start := range starts {
		if err := w.dec.walkChain(pageData, start, func(r *Rebase) error {
			r.PageIndex = page
			r.CacheFileOffset = w.mapping.FileOffset + pageBase + r.PageOffset
			r.CacheVMAddress = w.mapping.Address + pageBase + r.PageOffset
			return fn(r)
		}); err != nil {
			if errors.Is(err, ErrChainCycleDetected) || errors.Is(err, ErrMalformedSlideInfo) {
				return &PageError{Page: page, Err: err}
			}
			return err
		}
	}
	return nil
}

// Walk walks every page of the mapping in order. A corrupt page is logged,
// remembered and skipped; the joined page errors are returned once the walk
// completes. Returning ErrStopWalking from fn ends the walk without error.
func (w *RebaseWalker) Walk(fn func(*Rebase) error) error {
	var pageErrs []error
	for page := uint64(0); page < w.pages; page++ {
		if err := w.WalkPage(page, fn); err != nil {
			var perr *PageError
			if errors.As(err, &perr) {
				log.WithError(perr).Warn("skipping corrupt page")
				pageErrs = append(pageErrs, perr)
				continue
			}
			if errors.Is(err, ErrStopWalking) {
				return nil
			}
			return err
		}
	}
	return errors.Join(pageErrs...)
}

// Rebases decodes all pages concurrently with up to workers goroutines
// (GOMAXPROCS if workers <= 0) and returns the rebases in page order.
// Corrupt pages are returned as PageErrors alongside the pages that decoded;
// they do not abort the run. Chains never cross page boundaries, so per-page
// decoding needs no synchronization beyond the final merge.
func (w *RebaseWalker) Rebases(ctx context.Context, workers int) ([]Rebase, []*PageError, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	pageRebases := make([][]Rebase, w.pages)
	pageErrs := make([]*PageError, w.pages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for page := uint64(0); page < w.pages; page++ {
		page := page
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			err := w.WalkPage(page, func(r *Rebase) error {
				pageRebases[page] = append(pageRebases[page], *r)
				return nil
			})
			if err != nil {
				var perr *PageError
				if errors.As(err, &perr) {
					pageErrs[page] = perr
					pageRebases[page] = nil
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var rebases []Rebase
	for _, prs := range pageRebases {
		rebases = append(rebases, prs...)
	}
	var errs []*PageError
	for _, perr := range pageErrs {
		if perr != nil {
			errs = append(errs, perr)
		}
	}
	return rebases, errs, nil
}
