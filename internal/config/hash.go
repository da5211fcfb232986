package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to a locked config.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ErrConfigModified is returned by Load when a locked config no longer
// matches its recorded hash.
var ErrConfigModified = errors.New("config changed since it was locked")

var errNoManifest = errors.New("checksums file not found")

// ChecksumManifest maps config file basenames in one directory to their
// BLAKE3-256 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport describes a config lock operation.
type LockReport struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
	Written      bool
}

// fileDigest streams path through BLAKE3 and returns the hex digest.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadChecksums reads the manifest in configDir. A missing manifest wraps
// errNoManifest.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s (run 'bcibot config lock')", errNoManifest, configDir)
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	m := &ChecksumManifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("checksums version %d not supported", m.Version)
	}
	if m.Hashes == nil {
		m.Hashes = make(map[string]string)
	}
	return m, nil
}

// save writes the manifest owner-only, since it is what edits are checked against.
func (m *ChecksumManifest) save(configDir string) error {
	m.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, ChecksumFile), data, 0o600); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// Lock records the hash of configPath in its directory's manifest, keeping
// entries for other files. With dryRun the hash is computed but nothing is written.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", configPath, err)
	}
	dir := filepath.Dir(abs)

	digest, err := fileDigest(abs)
	if err != nil {
		return nil, err
	}
	report := &LockReport{
		ConfigPath:   abs,
		ChecksumPath: filepath.Join(dir, ChecksumFile),
		Hash:         digest,
	}
	if dryRun {
		return report, nil
	}

	m, err := LoadChecksums(dir)
	switch {
	case errors.Is(err, errNoManifest):
		m = &ChecksumManifest{Version: manifestVersion, Hashes: make(map[string]string)}
	case err != nil:
		return nil, err
	}
	m.Hashes[filepath.Base(abs)] = digest
	if err := m.save(dir); err != nil {
		return nil, err
	}
	report.Written = true
	return report, nil
}

// IsLocked reports whether configPath has an entry in its directory's manifest.
func IsLocked(configPath string) bool {
	m, err := LoadChecksums(filepath.Dir(configPath))
	if err != nil {
		return false
	}
	_, ok := m.Hashes[filepath.Base(configPath)]
	return ok
}

// verifyConfigHash checks path against the manifest in its directory. A
// directory without a manifest is unlocked and passes; once a directory is
// locked every config loaded from it must be listed.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	m, err := LoadChecksums(dir)
	if errors.Is(err, errNoManifest) {
		return nil
	}
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in checksums at %s; run: bcibot config lock --config %s", name, dir, path)
	}
	got, err := fileDigest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s hash mismatch (locked %.12s, now %.12s); this indicates tampering "+
			"or an unlocked edit, run: bcibot config lock --config %s", ErrConfigModified, path, want, got, path)
	}
	return nil
}
