// Package listing computes paginated ListParts pages from the part ledger.
package listing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bleepstore/mpuledger/internal/ledger"
)

const (
	// DefaultMaxParts is the page size used when the caller gives none.
	DefaultMaxParts = 1000
	// MaxMaxParts caps any requested page size.
	MaxMaxParts = 1000
)

// ErrInvalidArgument is returned for a negative marker or page size.
var ErrInvalidArgument = errors.New("invalid listing argument")

// Page is one page of a part listing.
type Page struct {
	Parts []ledger.Part
	// PartNumberMarker echoes the marker the page was computed from.
	PartNumberMarker int
	// MaxParts is the effective page size after defaulting and capping.
	MaxParts    int
	IsTruncated bool
	// NextPartNumberMarker is the last returned part number when
	// IsTruncated is set, and 0 otherwise.
	NextPartNumberMarker int
}

// Engine serves pages from a Ledger. It holds no state of its own.
type Engine struct {
	ledger     ledger.Ledger
	defaultMax int
	maxMax     int
}

// NewEngine creates an Engine. Non-positive limits fall back to the package
// defaults, and defaultMax is capped at maxMax.
func NewEngine(l ledger.Ledger, defaultMax, maxMax int) *Engine {
	if maxMax <= 0 {
		maxMax = MaxMaxParts
	}
	if defaultMax <= 0 {
		defaultMax = DefaultMaxParts
	}
	if defaultMax > maxMax {
		defaultMax = maxMax
	}
	return &Engine{ledger: l, defaultMax: defaultMax, maxMax: maxMax}
}

// List returns the parts of uploadID with part number strictly greater than
// marker, at most maxParts of them. A marker of 0 starts at the beginning and
// maxParts of 0 selects the default page size. Unknown uploads fail with
// ledger.ErrUnknownUpload.
func (e *Engine) List(ctx context.Context, uploadID string, marker, maxParts int) (*Page, error) {
	if marker < 0 {
		return nil, fmt.Errorf("%w: part-number-marker %d", ErrInvalidArgument, marker)
	}
	if maxParts < 0 {
		return nil, fmt.Errorf("%w: max-parts %d", ErrInvalidArgument, maxParts)
	}
	limit := e.PageSize(maxParts)

	parts, err := e.ledger.GetParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return Paginate(parts, marker, limit), nil
}

// PageSize resolves a requested page size to the effective one.
func (e *Engine) PageSize(requested int) int {
	if requested <= 0 {
		return e.defaultMax
	}
	if requested > e.maxMax {
		return e.maxMax
	}
	return requested
}

// Paginate cuts one page out of parts, which must be sorted ascending by
// part number. limit must be positive.
func Paginate(parts []ledger.Part, marker, limit int) *Page {
	page := &Page{PartNumberMarker: marker, MaxParts: limit}

	start := sort.Search(len(parts), func(i int) bool {
		return parts[i].PartNumber > marker
	})
	rest := parts[start:]

	if len(rest) > limit {
		page.Parts = rest[:limit]
		page.IsTruncated = true
		page.NextPartNumberMarker = page.Parts[limit-1].PartNumber
	} else {
		page.Parts = rest
	}
	if page.Parts == nil {
		page.Parts = []ledger.Part{}
	}
	return page
}
