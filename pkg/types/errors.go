package types

import "errors"

// ErrNegativeSampleSize is returned when a loader is asked for fewer than zero records.
var ErrNegativeSampleSize = errors.New("sample size must be >= 0")
