package serviceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New("expenses.add_bulk", "insert_failed", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected error to unwrap to its cause")
	}
	if CodeOf(err) != "expenses.add_bulk.insert_failed" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if err.Error() != "expenses.add_bulk.insert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	err := fmt.Errorf("handler: %w", New("groups.create", "missing_name", nil))
	if CodeOf(err) != "groups.create.missing_name" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
	if New("groups.create", "missing_name", nil).Error() != "groups.create.missing_name" {
		t.Fatalf("expected bare code when cause is nil")
	}
}
