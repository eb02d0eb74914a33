// Package uuid generates node and run identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// NewUUIDGenerator creates a Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NodeName returns prefix joined with the random tail of a fresh v4 UUID,
// e.g. "node-9f86d081". An empty prefix yields just the tail.
func (Generator) NodeName(prefix string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	tail := strings.ReplaceAll(id.String(), "-", "")[:8]
	if prefix == "" {
		return tail, nil
	}
	return prefix + "-" + tail, nil
}
