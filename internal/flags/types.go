package flags

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("flag not found")

// Flag is a named runtime switch. Provider switches are keyed
// "provider.<name>".
type Flag struct {
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
