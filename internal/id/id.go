// Package id provides job and worker ID generation.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// WorkerPrefix is prepended to generated worker IDs.
const WorkerPrefix = "worker-"

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewWorkerID returns a random worker identity such as "worker-<uuid4>".
func (Generator) NewWorkerID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return WorkerPrefix + id.String(), nil
}
