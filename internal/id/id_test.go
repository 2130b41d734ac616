package id

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected UUIDv7, got version %d", parsed.Version())
	}
}

func TestGeneratorNewWorkerID(t *testing.T) {
	t.Parallel()

	workerID, err := New().NewWorkerID()
	if err != nil {
		t.Fatalf("NewWorkerID() error = %v", err)
	}
	if !strings.HasPrefix(workerID, WorkerPrefix) {
		t.Fatalf("expected %q prefix, got %s", WorkerPrefix, workerID)
	}
	if _, err := goUUID.Parse(strings.TrimPrefix(workerID, WorkerPrefix)); err != nil {
		t.Fatalf("worker id suffix not a UUID: %v", err)
	}
}
