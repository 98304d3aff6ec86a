package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a version-fenced update lost a concurrent race.
var ErrConflict = errors.New("repository: version conflict")

// ErrAlreadyExists indicates an insert collided with an existing key.
var ErrAlreadyExists = errors.New("repository: already exists")
