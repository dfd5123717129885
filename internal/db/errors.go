package db

import "errors"

var (
	ErrNotFound = errors.New("payment not found")
	// ErrStaleWrite means a save tried to move a terminal payment to another
	// status. The stored record is left untouched.
	ErrStaleWrite = errors.New("payment status is final")
)
