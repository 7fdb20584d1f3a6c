package model

import "errors"

var (
	// ErrValidation marks malformed input rejected at construction time.
	ErrValidation = errors.New("validation error")
	// ErrIO marks local filesystem failures (queue directory, missing source).
	ErrIO = errors.New("io error")
	// ErrAuth marks a rejected role assumption or credentials refused by the store.
	ErrAuth = errors.New("auth error")
	// ErrNetwork marks transport failures and an absent link.
	ErrNetwork = errors.New("network error")
	// ErrArtifactGone marks an artifact that vanished between listing and delivery.
	ErrArtifactGone = errors.New("artifact vanished")
)
