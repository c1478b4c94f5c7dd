package store

import "errors"

var (
	// ErrNotFound indicates the transfer record could not be found.
	ErrNotFound = errors.New("transfer record not found")
)
