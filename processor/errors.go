package processor

import "errors"

var (
	// ErrEmptyStack signals that a stack holds no timestamps at all.
	ErrEmptyStack = errors.New("raster stack is empty")

	ErrMissingTimestampFunc = errors.New("raster stack requires a timestamp function")
	ErrTimestamp            = errors.New("cannot derive timestamp from asset")

	// Loaders return these for conditions a caller may choose to tolerate.
	ErrAssetNotFound     = errors.New("asset not found")
	ErrTileOutsideBounds = errors.New("tile outside bounds")

	ErrShapeMismatch = errors.New("image shape mismatch")
	ErrUnknownMethod = errors.New("unknown method")
)

func isTolerable(err error, tolerable []error) bool {
	for _, t := range tolerable {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
