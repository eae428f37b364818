package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrDependency      = errors.New("dependency not satisfied")
	ErrTransient       = errors.New("transient failure")
	ErrArtifact        = errors.New("artifact failure")
	ErrCancelled       = errors.New("cancelled")
	ErrInternal        = errors.New("internal error")
)
