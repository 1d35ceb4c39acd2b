package stagecache

import (
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// TestIsCompleteExistence verifies the existence-and-non-empty contract
// before anything is recorded.
func TestIsCompleteExistence(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	a := writeArtifact(t, dir, "a.nii.gz", "data")
	b := writeArtifact(t, dir, "b.nii.gz", "data")

	if !cache.IsComplete([]string{a, b}) {
		t.Errorf("expected complete for existing non-empty artifacts")
	}
	if cache.IsComplete([]string{a, filepath.Join(dir, "missing.nii.gz")}) {
		t.Errorf("a missing artifact must mark the stage incomplete")
	}

	empty := writeArtifact(t, dir, "empty.nii.gz", "")
	if cache.IsComplete([]string{a, empty}) {
		t.Errorf("an empty artifact must mark the stage incomplete")
	}
	if cache.IsComplete(nil) {
		t.Errorf("an empty artifact set is never complete")
	}
}

// TestRecordAndSizeMismatch verifies a recorded artifact whose size later
// changes marks the stage incomplete.
func TestRecordAndSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	cache, err := Open(manifestPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	a := writeArtifact(t, dir, "a.nii.gz", "full contents")
	if err := cache.Record([]string{a}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !cache.IsComplete([]string{a}) {
		t.Fatalf("expected complete immediately after Record")
	}

	// Simulate truncation after the record was taken.
	if err := os.WriteFile(a, []byte("cut"), 0644); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if cache.IsComplete([]string{a}) {
		t.Errorf("a size mismatch against the manifest must mark the stage incomplete")
	}
}

// TestRecordMissingArtifact verifies recording a path that does not exist
// fails.
func TestRecordMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Record([]string{filepath.Join(dir, "ghost.nii.gz")}); err == nil {
		t.Errorf("expected an error recording a missing artifact")
	}
}

// TestManifestPersistence verifies records and the backend name survive a
// reopen, with paths stored relative to the manifest.
func TestManifestPersistence(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")

	cache, err := Open(manifestPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	a := writeArtifact(t, dir, "a.nii.gz", "full contents")
	if err := cache.Record([]string{a}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := cache.SetBackend("classical"); err != nil {
		t.Fatalf("SetBackend failed: %v", err)
	}

	reopened, err := Open(manifestPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Backend() != "classical" {
		t.Errorf("expected backend classical after reopen, got %q", reopened.Backend())
	}
	if !reopened.IsComplete([]string{a}) {
		t.Errorf("expected recorded artifact to stay complete after reopen")
	}

	if err := os.WriteFile(a, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if reopened.IsComplete([]string{a}) {
		t.Errorf("expected the reopened manifest to catch the size mismatch")
	}
}

// TestOpenCorruptManifest verifies malformed YAML is an error rather than
// a silent fresh start.
func TestOpenCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "manifest.yaml", "artifacts: [not a map\n")
	if _, err := Open(path); err == nil {
		t.Errorf("expected an error for a corrupt manifest")
	}
}
