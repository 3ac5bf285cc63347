// Package store defines the error kinds shared by every storage backend.
// Policies per kind:
//
//	ErrNotFound           — caller decides; usually "no data yet"
//	ErrBackendUnavailable — retry with backoff; >30 s surfaces unhealthy
//	ErrCorrupt            — treated as ErrNotFound after a warning counter
//	ErrConflict           — compare-and-set lost or duplicate id; no state change
//	ErrAuthRequired       — fatal at collector start, unhealthy at runtime
package store

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrCorrupt            = errors.New("corrupt record")
	ErrConflict           = errors.New("conflict")
	ErrAuthRequired       = errors.New("auth required")
)
