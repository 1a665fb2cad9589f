package object

import "errors"

// errNotInteger is returned by INCRBY-family operations when the existing
// value can't be parsed as a base-10 64-bit integer.
var errNotInteger = errors.New("value is not an integer or out of range")

// ErrNotInteger is the exported form, for command handlers to compare
// against with errors.Is.
var ErrNotInteger = errNotInteger
