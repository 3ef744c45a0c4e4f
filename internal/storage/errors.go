package storage

import (
	"errors"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = models.ErrNotFound

	// ErrDuplicateKey is returned when inserting a record whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = models.ErrInvalidInput
)
