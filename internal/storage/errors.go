package storage

import "errors"

var (
	ErrStoreUnreachable  = errors.New("store unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNotFound          = errors.New("record not found")
)
