package configstore

import "errors"

var (
	ErrNotFound     = errors.New("configstore: not found")
	ErrConflict     = errors.New("configstore: already exists")
	ErrInvalidInput = errors.New("configstore: invalid input")
)
