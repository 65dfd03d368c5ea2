package specstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildfleet/lkgm/pkg/version"
)

func mustCandidate(t *testing.T, text string) version.Candidate {
	t.Helper()
	c, err := version.ParseCandidate(text)
	if err != nil {
		t.Fatalf("ParseCandidate(%q): %v", text, err)
	}
	return c
}

func TestTreeStoreWriteAndList(t *testing.T) {
	ctx := context.Background()
	store := NewTreeStore(t.TempDir(), nil)

	v := version.Version{Major: 1, Minor: 2}
	list, err := store.ListCandidates(ctx, v)
	if err != nil {
		t.Fatalf("ListCandidates on empty store: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no candidates, got %v", list)
	}

	for _, text := range []string{"1.2.0.0-rc1", "1.2.0.0-rc2", "1.2.0.1-rc1"} {
		if err := store.WriteCandidate(ctx, mustCandidate(t, text), []byte("<manifest/>")); err != nil {
			t.Fatalf("WriteCandidate(%s): %v", text, err)
		}
	}
	// Same bucket, different version: must not show up for 1.2.0.0.
	list, err = store.ListCandidates(ctx, v)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 candidates for %s, got %v", v, list)
	}

	payload, err := store.ReadCandidate(ctx, mustCandidate(t, "1.2.0.0-rc2"))
	if err != nil {
		t.Fatalf("ReadCandidate: %v", err)
	}
	if string(payload) != "<manifest/>" {
		t.Fatalf("unexpected payload: %q", payload)
	}
	if _, err := store.ReadCandidate(ctx, mustCandidate(t, "9.9.9.9-rc1")); err == nil {
		t.Fatal("expected error reading unpublished candidate")
	}
}

func TestTreeStoreWriteConflict(t *testing.T) {
	ctx := context.Background()
	store := NewTreeStore(t.TempDir(), nil)
	c := mustCandidate(t, "1.2.0.0-rc1")

	if err := store.WriteCandidate(ctx, c, []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := store.WriteCandidate(ctx, c, []byte("second"))
	if !errors.Is(err, ErrCandidateExists) {
		t.Fatalf("expected ErrCandidateExists, got %v", err)
	}

	// First writer wins: payload is untouched.
	data, err := os.ReadFile(filepath.Join(store.root, "LKGM-candidates", "1.2", "1.2.0.0-rc1.xml"))
	if err != nil {
		t.Fatalf("read back spec: %v", err)
	}
	if string(data) != "first" {
		t.Fatalf("payload overwritten: %q", data)
	}
}

func TestTreeStoreStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewTreeStore(t.TempDir(), nil)
	c := mustCandidate(t, "1.2.0.0-rc1")
	const builder = "x86-generic-pre-flight-queue"

	status, err := store.QueryStatus(ctx, c, builder)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status != StatusUnknown {
		t.Fatalf("expected unknown before any marker, got %s", status)
	}

	if err := store.MarkInFlight(ctx, c, builder, "Automatic: Start "+builder+" "+c.String()); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if status, _ = store.QueryStatus(ctx, c, builder); status != StatusInflight {
		t.Fatalf("expected inflight, got %s", status)
	}

	if err := store.ReportResult(ctx, c, builder, StatusPass); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if status, _ = store.QueryStatus(ctx, c, builder); status != StatusPass {
		t.Fatalf("expected pass, got %s", status)
	}

	// Terminal states are final: repeat is a no-op, flip is refused.
	if err := store.ReportResult(ctx, c, builder, StatusPass); err != nil {
		t.Fatalf("repeated pass report should be a no-op: %v", err)
	}
	if err := store.ReportResult(ctx, c, builder, StatusFail); err == nil {
		t.Fatal("expected error flipping pass to fail")
	}
}

func TestTreeStoreMarkerPathScheme(t *testing.T) {
	ctx := context.Background()
	store := NewTreeStore(t.TempDir(), nil)
	c := mustCandidate(t, "1.2.0.0-rc1")

	if err := store.MarkInFlight(ctx, c, "arm-generic-bin", "claim"); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	want := filepath.Join(store.root, "LKGM-candidates", "build-name",
		"arm-generic-bin", "inflight", "1.2", "1.2.0.0-rc1.xml")
	if _, err := os.Lstat(want); err != nil {
		t.Fatalf("marker not at expected path: %v", err)
	}
}

func TestTreeStorePromote(t *testing.T) {
	ctx := context.Background()
	store := NewTreeStore(t.TempDir(), nil)
	c := mustCandidate(t, "1.2.0.0-rc3")

	if _, err := store.Promoted(ctx); !errors.Is(err, ErrNotPromoted) {
		t.Fatalf("expected ErrNotPromoted, got %v", err)
	}

	if err := store.Promote(ctx, c, []byte("<manifest/>")); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	got, err := store.Promoted(ctx)
	if err != nil {
		t.Fatalf("Promoted: %v", err)
	}
	if got != c {
		t.Fatalf("promoted pointer mismatch: %s != %s", got, c)
	}

	// Idempotent re-promotion.
	if err := store.Promote(ctx, c, []byte("<manifest/>")); err != nil {
		t.Fatalf("re-promote should be a no-op: %v", err)
	}
}
