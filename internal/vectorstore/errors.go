package vectorstore

import "errors"

// Error taxonomy per spec.md §4.4/§7.
var (
	ErrInvalidDimensions = errors.New("vectorstore: invalid dimensions")
	ErrOutOfSpace        = errors.New("vectorstore: out of space")
	ErrVectorNotFound    = errors.New("vectorstore: vector not found")
	ErrCorrupt           = errors.New("vectorstore: corrupt record")
)

// MaxDimension is the largest admissible vector dimension (spec.md §3).
const MaxDimension = 4096
