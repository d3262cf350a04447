// Package uuid generates task identities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

// Generator creates time-ordered UUIDv7 task IDs.
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

// Valid reports whether id is a well-formed UUID of any version.
func Valid(id string) bool {
	return uuid.Validate(id) == nil
}

var _ fetch.IDGenerator = Generator{}
