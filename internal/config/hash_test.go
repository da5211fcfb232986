package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLockDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "robot:\n  address: 10.0.0.7\n")

	report, err := Lock(path, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Hash) != 64 {
		t.Fatalf("hash %q is not a hex BLAKE3-256 digest", report.Hash)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
	if IsLocked(path) {
		t.Fatal("IsLocked() = true before lock")
	}
}

func TestLockThenLoadVerifies(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "robot:\n  address: 10.0.0.7\n")

	report, err := Lock(path, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written || !IsLocked(path) {
		t.Fatal("config not locked")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if manifest.Hashes[DefaultFileName] != report.Hash {
		t.Fatalf("manifest hash = %q, want %q", manifest.Hashes[DefaultFileName], report.Hash)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	// Tamper.
	if err := os.WriteFile(path, []byte("robot:\n  address: 10.6.6.6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if !errors.Is(err, ErrConfigModified) || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}

	// Relock accepts the edit.
	if _, err := Lock(path, false); err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after relock failed: %v", err)
	}
}

func TestLoadRejectsUnlistedFileInLockedDir(t *testing.T) {
	tmpDir := t.TempDir()
	locked := writeConfig(t, tmpDir, "")
	if _, err := Lock(locked, false); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(tmpDir, "other.yaml")
	if err := os.WriteFile(other, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(other)
	if err == nil || !strings.Contains(err.Error(), "no hash in checksums") {
		t.Fatalf("Load() error = %v, want missing hash", err)
	}
}

func TestFileDigest(t *testing.T) {
	dir := t.TempDir()
	a := writeConfig(t, dir, "x: 1\n")
	first, err := fileDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	again, err := fileDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	if first != again || len(first) != 64 {
		t.Fatalf("digest %q then %q, want a stable 64-char hex digest", first, again)
	}

	if err := os.WriteFile(a, []byte("x: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err := fileDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Fatal("digest did not change with content")
	}

	if _, err := fileDigest(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("fileDigest(missing) = %v, want not-exist", err)
	}
}

func TestLoadChecksumsVersion(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadChecksums(dir); !errors.Is(err, errNoManifest) {
		t.Fatalf("LoadChecksums(empty dir) = %v, want errNoManifest", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 2\nhashes: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil || !strings.Contains(err.Error(), "version 2") {
		t.Fatalf("LoadChecksums(v2) = %v, want version error", err)
	}
}
