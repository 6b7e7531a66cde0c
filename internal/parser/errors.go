package parser

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAnchor   = errors.New("required anchor not found")
	ErrUnexpectedCount = errors.New("unexpected number of matches")
)

// Anchors whose absence fails a whole page.
const (
	AnchorProductID    = "product id"
	AnchorHeader       = "header"
	AnchorTitle        = "title"
	AnchorManufacturer = "manufacturer info"
)

// ExtractionError means a page could not produce a record. The page is
// dropped; no partial record exists.
type ExtractionError struct {
	URL    string
	Anchor string
	Found  int
	Err    error
}

func (e *ExtractionError) Error() string {
	if errors.Is(e.Err, ErrUnexpectedCount) {
		return fmt.Sprintf("extract %s: %s: %v (found %d)", e.URL, e.Anchor, e.Err, e.Found)
	}
	return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Anchor, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func missing(pageURL, anchor string) *ExtractionError {
	return &ExtractionError{URL: pageURL, Anchor: anchor, Err: ErrMissingAnchor}
}

func wrongCount(pageURL, anchor string, found int) *ExtractionError {
	return &ExtractionError{URL: pageURL, Anchor: anchor, Found: found, Err: ErrUnexpectedCount}
}
