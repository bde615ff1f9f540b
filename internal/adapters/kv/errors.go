package kv

import "errors"

// Sentinel kinds for key-value store errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("kv store unavailable")
)
