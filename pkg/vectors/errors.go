package vectors

import "errors"

var (
	ErrVersionMismatch = errors.New("vector file version mismatch")
	ErrCorrupt         = errors.New("vector file corrupt")
)
