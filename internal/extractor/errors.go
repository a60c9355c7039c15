package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/vendor-sync/internal/browser"
)

type ErrorKind string

const (
	KindInvalidURL ErrorKind = "invalid_url"
	KindNavigation ErrorKind = "navigation"
	KindTimeout    ErrorKind = "timeout"
	KindBrowser    ErrorKind = "browser"
	KindCanceled   ErrorKind = "canceled"
)

// ExtractionError is returned for every failure that prevents a page from
// being read. No partial product list accompanies it.
type ExtractionError struct {
	URL  string
	Kind ErrorKind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction of %s failed (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsExtractionError reports whether err carries an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

func newError(url string, kind ErrorKind, err error) *ExtractionError {
	return &ExtractionError{URL: url, Kind: kind, Err: err}
}

// classify picks the kind for an error raised while driving the session.
func classify(ctx context.Context, url string, fallback ErrorKind, err error) *ExtractionError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return newError(url, KindTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return newError(url, KindCanceled, err)
	case errors.Is(err, browser.ErrNavigationTimeout):
		return newError(url, KindTimeout, err)
	default:
		return newError(url, fallback, err)
	}
}
