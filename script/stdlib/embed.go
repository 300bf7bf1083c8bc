// Package stdlib provides the Lua helper library preloaded into every step.
//
// The library is embedded at build time and extracted to a temporary
// directory on first use. Loading it from real files keeps its stack frames
// file-backed, so failures inside a helper are reported with the helper's
// own file and line.
package stdlib

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pithecene-io/stepwise/types"
)

//go:embed lua/*.lua
var embedded embed.FS

// Load order matters: nav uses skills.
var loadOrder = []string{"skills.lua", "nav.lua"}

// extractOnce ensures extraction happens only once per process.
var extractOnce sync.Once
var extractedDir string
var extractErr error

// Files returns the embedded file names in load order.
func Files() []string {
	return append([]string(nil), loadOrder...)
}

// Checksum returns the SHA256 checksum over all embedded files.
func Checksum() string {
	names, _ := fs.Glob(embedded, "lua/*.lua")
	sort.Strings(names)
	hash := sha256.New()
	for _, name := range names {
		data, _ := embedded.ReadFile(name)
		hash.Write([]byte(name))
		hash.Write(data)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// Paths returns the extracted file paths in load order.
// Extracts on first call; subsequent calls return cached paths.
func Paths() ([]string, error) {
	extractOnce.Do(func() {
		extractedDir, extractErr = extract()
	})
	if extractErr != nil {
		return nil, extractErr
	}
	paths := make([]string, len(loadOrder))
	for i, name := range loadOrder {
		paths[i] = filepath.Join(extractedDir, name)
	}
	return paths, nil
}

// extract writes the embedded library to a version- and checksum-named
// temp directory.
func extract() (string, error) {
	dirName := fmt.Sprintf("stepwise-stdlib-%s-%s", types.Version, Checksum()[:16])
	dir := filepath.Join(os.TempDir(), dirName)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stdlib directory: %w", err)
	}

	for _, name := range loadOrder {
		data, err := embedded.ReadFile("lua/" + name)
		if err != nil {
			return "", fmt.Errorf("failed to read embedded %s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		// Idempotent across processes sharing the directory.
		if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return dir, nil
}

// Cleanup removes the extracted directory.
// Safe to call multiple times or if extraction never happened.
func Cleanup() error {
	if extractedDir == "" {
		return nil
	}
	if err := os.RemoveAll(extractedDir); err != nil {
		return fmt.Errorf("failed to cleanup stdlib: %w", err)
	}
	return nil
}
