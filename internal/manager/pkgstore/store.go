// Package pkgstore is the manager's on-disk execution package library. Each
// package lives in its own directory under the store root:
//
//	<root>/<id>/package.json       name, project id, built/executed stamps
//	<root>/<id>/data/...           scene, project, models
//	<root>/<id>/object_types/...   type sources
//	<root>/<id>/script             the executable entry point
//	<root>/<id>/action_points.src
//
// Installs land atomically: the zip is extracted into a temp directory next
// to the final path and renamed into place, so a crash mid-install never
// leaves a half package behind.
package pkgstore

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/model"
)

// ScriptName is the entry point file inside every package.
const ScriptName = "script"

const manifestName = "package.json"

// ErrNotFound is returned for package ids the store does not hold.
var ErrNotFound = errors.New("pkgstore: package not found")

// manifest is the package.json payload.
type manifest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId,omitempty"`
	Built     time.Time `json:"built"`
	Executed  time.Time `json:"executed,omitempty"`
}

func (m manifest) summary() model.PackageSummary {
	return model.PackageSummary{
		ID:        m.ID,
		Name:      m.Name,
		ProjectID: m.ProjectID,
		Built:     m.Built,
		Executed:  m.Executed,
	}
}

// Store is the package library rooted at one directory.
type Store struct {
	root   string
	logger *zap.Logger
}

// New opens (creating if needed) the package library at root.
func New(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("pkgstore: create root: %w", err)
	}
	return &Store{root: root, logger: logger.Named("pkgstore")}, nil
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, id)
}

// Install extracts a package zip into the library under id. An existing
// package with the same id is replaced. The built timestamp is taken from
// an existing manifest inside the zip if present, otherwise stamped now.
func (s *Store) Install(id, name, projectID string, zipData []byte) (model.PackageSummary, error) {
	if id == "" {
		return model.PackageSummary{}, fmt.Errorf("pkgstore: empty package id")
	}
	if name == "" {
		name = id
	}

	tmp, err := os.MkdirTemp(s.root, ".install-*")
	if err != nil {
		return model.PackageSummary{}, fmt.Errorf("pkgstore: temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractZip(zipData, tmp); err != nil {
		return model.PackageSummary{}, err
	}
	if _, err := os.Stat(filepath.Join(tmp, ScriptName)); err != nil {
		return model.PackageSummary{}, fmt.Errorf("pkgstore: package %s has no %s: %w", id, ScriptName, err)
	}

	m := manifest{ID: id, Name: name, ProjectID: projectID, Built: time.Now().UTC()}
	if prev, err := readManifest(tmp); err == nil && !prev.Built.IsZero() {
		m.Built = prev.Built
	}
	if err := writeManifest(tmp, m); err != nil {
		return model.PackageSummary{}, err
	}

	dst := s.dir(id)
	if err := os.RemoveAll(dst); err != nil {
		return model.PackageSummary{}, fmt.Errorf("pkgstore: replace %s: %w", id, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return model.PackageSummary{}, fmt.Errorf("pkgstore: install %s: %w", id, err)
	}
	return m.summary(), nil
}

// List returns the summaries of every installed package, sorted by name.
// Directories without a readable manifest are skipped with a log entry.
func (s *Store) List() ([]model.PackageSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("pkgstore: read root: %w", err)
	}

	var out []model.PackageSummary
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := readManifest(s.dir(e.Name()))
		if err != nil {
			s.logger.Warn("skipping package without manifest",
				zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, m.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Summary returns the manifest of one installed package.
func (s *Store) Summary(id string) (model.PackageSummary, error) {
	m, err := readManifest(s.dir(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.PackageSummary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.PackageSummary{}, err
	}
	return m.summary(), nil
}

// Exists reports whether the store holds a package with the given id.
func (s *Store) Exists(id string) bool {
	_, err := readManifest(s.dir(id))
	return err == nil
}

// Delete removes an installed package.
func (s *Store) Delete(id string) error {
	if !s.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("pkgstore: delete %s: %w", id, err)
	}
	return nil
}

// Rename changes the display name in the package manifest.
func (s *Store) Rename(id, newName string) (model.PackageSummary, error) {
	return s.updateManifest(id, func(m *manifest) { m.Name = newName })
}

// MarkExecuted stamps the executed time; called on every run start.
func (s *Store) MarkExecuted(id string) (model.PackageSummary, error) {
	return s.updateManifest(id, func(m *manifest) { m.Executed = time.Now().UTC() })
}

func (s *Store) updateManifest(id string, mutate func(*manifest)) (model.PackageSummary, error) {
	m, err := readManifest(s.dir(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.PackageSummary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.PackageSummary{}, err
	}
	mutate(&m)
	if err := writeManifest(s.dir(id), m); err != nil {
		return model.PackageSummary{}, err
	}
	return m.summary(), nil
}

// Deploy copies a package into the canonical project path, replacing
// whatever a previous (possibly killed) run left there, and returns the
// absolute script path. The swap is atomic: the copy lands in a sibling
// temp directory first.
func (s *Store) Deploy(id, projectPath string) (string, error) {
	if !s.Exists(id) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	parent := filepath.Dir(projectPath)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", fmt.Errorf("pkgstore: create project path parent: %w", err)
	}
	s.sweepStale(projectPath)

	tmp, err := os.MkdirTemp(parent, filepath.Base(projectPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("pkgstore: deploy temp dir: %w", err)
	}
	if err := copyTree(s.dir(id), tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	script := filepath.Join(tmp, ScriptName)
	if err := os.Chmod(script, 0o755); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("pkgstore: mark script executable: %w", err)
	}

	old := projectPath + ".old"
	if _, err := os.Stat(projectPath); err == nil {
		if err := os.Rename(projectPath, old); err != nil {
			os.RemoveAll(tmp)
			return "", fmt.Errorf("pkgstore: move old deployment aside: %w", err)
		}
	}
	if err := os.Rename(tmp, projectPath); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("pkgstore: deploy %s: %w", id, err)
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("failed to remove old deployment", zap.Error(err))
	}
	return filepath.Join(projectPath, ScriptName), nil
}

// sweepStale removes temp and old directories a crashed run may have left
// next to the project path.
func (s *Store) sweepStale(projectPath string) {
	matches, _ := filepath.Glob(projectPath + ".tmp-*")
	matches = append(matches, projectPath+".old")
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			s.logger.Warn("failed to sweep stale deployment", zap.String("path", m), zap.Error(err))
		}
	}
}

func readManifest(dir string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("pkgstore: corrupt manifest in %s: %w", dir, err)
	}
	return m, nil
}

func writeManifest(dir string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pkgstore: encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, manifestName+".*")
	if err != nil {
		return fmt.Errorf("pkgstore: write manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pkgstore: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pkgstore: write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, manifestName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pkgstore: write manifest: %w", err)
	}
	return nil
}

// extractZip unpacks an archive into dst, rejecting entries that would
// escape it.
func extractZip(data []byte, dst string) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("pkgstore: open zip: %w", err)
	}
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if name == "." || filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return fmt.Errorf("pkgstore: zip entry %q escapes the package", f.Name)
		}
		target := filepath.Join(dst, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("pkgstore: extract %s: %w", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("pkgstore: extract %s: %w", name, err)
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("pkgstore: extract %s: %w", name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
		if err != nil {
			src.Close()
			return fmt.Errorf("pkgstore: extract %s: %w", name, err)
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("pkgstore: extract %s: %w", name, err)
		}
	}
	return nil
}

// copyTree duplicates a directory tree. dst must already exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("pkgstore: copy %s: %w", rel, err)
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
		if err != nil {
			return fmt.Errorf("pkgstore: copy %s: %w", rel, err)
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return fmt.Errorf("pkgstore: copy %s: %w", rel, err)
		}
		return out.Close()
	})
}
