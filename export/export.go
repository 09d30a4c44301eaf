// Package export writes a pairing manifest to disk as a ready-to-train
// dataset: paired images under hq/ and lq/ with matching names, the manifest
// as JSON and the action log as text.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pairfinder/logging"
	"pairfinder/types"

	"github.com/gofrs/flock"
)

const (
	ManifestFile = "manifest.json"
	ActionsFile  = "actions.log"
	lockFile     = ".pairfinder.lock"
)

// ErrLocked is returned when another export holds the output directory
var ErrLocked = errors.New("output directory is locked by another export")

// Options tunes an export
type Options struct {
	Logger *slog.Logger
}

// File maps one confirmed pair to its exported file names, relative to the
// output directory
type File struct {
	HQPath string `json:"hq_path"`
	LQPath string `json:"lq_path"`
	HQOut  string `json:"hq_out"`
	LQOut  string `json:"lq_out"`
}

// Document is the content of manifest.json
type Document struct {
	types.PairingManifest
	Files []File `json:"files"`
}

// Write exports m into outDir. Both images of a pair are named after the HQ
// stem so a new session over the exported directories pairs them by name.
// Aligned pairs are written as their corrected PNG crops; other pairs are
// copied unchanged. The manifest and action log are written last.
func Write(m types.PairingManifest, outDir string, opts Options) (Document, error) {
	logger := logging.NewComponentLogger(opts.Logger, "export")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Document{}, fmt.Errorf("create output directory: %w", err)
	}
	lock := flock.New(filepath.Join(outDir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return Document{}, fmt.Errorf("acquire export lock: %w", err)
	}
	if !ok {
		return Document{}, ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release export lock", slog.String("error", err.Error()))
		}
	}()

	for _, sub := range []string{"hq", "lq"} {
		if err := os.MkdirAll(filepath.Join(outDir, sub), 0o755); err != nil {
			return Document{}, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}

	doc := Document{PairingManifest: m, Files: make([]File, 0, len(m.Pairs))}
	used := make(map[string]bool, len(m.Pairs))
	for _, p := range m.Pairs {
		stem := uniqueStem(pairStem(p.HQPath, m.HQRoot), used)
		f := File{HQPath: p.HQPath, LQPath: p.LQPath}

		if p.Corrected() {
			f.HQOut = filepath.Join("hq", stem+".png")
			f.LQOut = filepath.Join("lq", stem+".png")
			if err := writeBytes(filepath.Join(outDir, f.HQOut), p.CorrectedHQ); err != nil {
				return doc, err
			}
			if err := writeBytes(filepath.Join(outDir, f.LQOut), p.CorrectedLQ); err != nil {
				return doc, err
			}
		} else {
			f.HQOut = filepath.Join("hq", stem+strings.ToLower(filepath.Ext(p.HQPath)))
			f.LQOut = filepath.Join("lq", stem+strings.ToLower(filepath.Ext(p.LQPath)))
			if err := copyFile(p.HQPath, filepath.Join(outDir, f.HQOut)); err != nil {
				return doc, err
			}
			if err := copyFile(p.LQPath, filepath.Join(outDir, f.LQOut)); err != nil {
				return doc, err
			}
		}
		logger.Debug("pair exported", slog.String("hq", f.HQOut), slog.String("lq", f.LQOut))
		doc.Files = append(doc.Files, f)
	}

	if err := writeDocument(doc, filepath.Join(outDir, ManifestFile)); err != nil {
		return doc, err
	}

	var actions strings.Builder
	for _, a := range m.Actions {
		actions.WriteString(a.String())
		actions.WriteByte('\n')
	}
	if err := writeBytes(filepath.Join(outDir, ActionsFile), []byte(actions.String())); err != nil {
		return doc, err
	}

	logger.Info("export finished",
		slog.String("dir", outDir),
		slog.Int("pairs", len(doc.Files)),
		slog.Bool("partial", m.Partial))
	return doc, nil
}

// WriteManifest writes m alone as JSON to path, without exporting images
func WriteManifest(m types.PairingManifest, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}
	return writeDocument(Document{PairingManifest: m, Files: []File{}}, path)
}

func writeDocument(doc Document, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeBytes(path, append(data, '\n'))
}

// ReadManifest loads a manifest.json written by Write
func ReadManifest(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read manifest: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return doc, nil
}

// pairStem is the HQ path relative to root without extension, with
// directory separators flattened to underscores
func pairStem(hqPath, root string) string {
	rel := filepath.Base(hqPath)
	if root != "" {
		if r, err := filepath.Rel(root, hqPath); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")
}

func uniqueStem(stem string, used map[string]bool) string {
	candidate := stem
	for i := 2; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", stem, i)
	}
	used[candidate] = true
	return candidate
}

// writeBytes replaces path atomically
func writeBytes(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return commit(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return commit(tmp, dst)
}

func commit(tmp *os.File, path string) error {
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
