// Package uuid provides run ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements harvest.IDGenerator with UUID v7 strings. V7 IDs
// sort by creation time, which keeps run listings in submission order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
