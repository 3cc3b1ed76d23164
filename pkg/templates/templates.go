// Package templates loads bundle templates from a directory tree.
//
// A template for (kind, subject) lives at <root>/<kind>/<subject>.json (or
// .yaml/.yml). An optional variant overlay <root>/<kind>/<subject>.<variant>.json
// is merged on top with tree.Overlay. Every template carries a version that
// changes whenever one of its files is edited, so callers can key caches on it.
package templates

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dasmlab/textbundle/pkg/tree"
)

// ErrNotFound is returned when no base file exists for a template.
var ErrNotFound = errors.New("templates: not found")

// ErrInvalidName is returned when a kind, subject or variant is not a safe
// file name component.
var ErrInvalidName = errors.New("templates: invalid name")

var extensions = []string{".json", ".yaml", ".yml"}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// Template is a parsed bundle template. Tree is shared between callers and
// must be cloned before it is modified.
type Template struct {
	Kind    string
	Subject string
	Variant string
	Tree    *tree.Value
	Version string
	// Files are the contributing files, base first.
	Files []string
	// ExcludeKeys is the meta.excludeKeys list of the merged template.
	ExcludeKeys []string
}

// Loader is the template provider consumed by the bundle assembler.
type Loader interface {
	Load(ctx context.Context, kind, subject, variant string) (*Template, error)
}

// FS loads templates from the local filesystem and memoizes parsed trees per
// version.
type FS struct {
	root   string
	logger *logrus.Logger

	mu    sync.RWMutex
	memo  map[string]*Template
	group singleflight.Group
}

// NewFS creates a loader rooted at root.
func NewFS(root string, logger *logrus.Logger) *FS {
	if logger == nil {
		logger = logrus.New()
	}
	return &FS{
		root:   root,
		logger: logger,
		memo:   make(map[string]*Template),
	}
}

// Root returns the template directory.
func (f *FS) Root() string { return f.root }

type fileStamp struct {
	path    string
	ext     string
	size    int64
	modNano int64
}

// Load returns the template for (kind, subject, variant). A variant without
// an overlay file yields the base template.
func (f *FS) Load(ctx context.Context, kind, subject, variant string) (*Template, error) {
	for _, name := range []string{kind, subject} {
		if !validName.MatchString(name) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("%w %q", ErrInvalidName, name)
		}
	}
	if variant != "" && (!validName.MatchString(variant) || strings.Contains(variant, "..")) {
		return nil, fmt.Errorf("%w: variant %q", ErrInvalidName, variant)
	}

	stamps, err := f.stat(kind, subject, variant)
	if err != nil {
		return nil, err
	}
	version := versionOf(stamps)
	key := kind + "|" + subject + "|" + variant

	f.mu.RLock()
	cached, ok := f.memo[key]
	f.mu.RUnlock()
	if ok && cached.Version == version {
		return cached, nil
	}

	v, err, _ := f.group.Do(key+"|"+version, func() (any, error) {
		return f.parse(kind, subject, variant, version, stamps)
	})
	if err != nil {
		return nil, err
	}
	tpl := v.(*Template)

	f.mu.Lock()
	f.memo[key] = tpl
	f.mu.Unlock()
	return tpl, nil
}

// stat finds the base file and the optional overlay.
func (f *FS) stat(kind, subject, variant string) ([]fileStamp, error) {
	dir := filepath.Join(f.root, kind)

	base, ok, err := find(dir, subject)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, subject)
	}
	stamps := []fileStamp{base}

	if variant != "" {
		overlay, ok, err := find(dir, subject+"."+variant)
		if err != nil {
			return nil, err
		}
		if ok {
			stamps = append(stamps, overlay)
		}
	}
	return stamps, nil
}

func find(dir, stem string) (fileStamp, bool, error) {
	for _, ext := range extensions {
		path := filepath.Join(dir, stem+ext)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fileStamp{}, false, fmt.Errorf("templates: stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		return fileStamp{path: path, ext: ext, size: info.Size(), modNano: info.ModTime().UnixNano()}, true, nil
	}
	return fileStamp{}, false, nil
}

// versionOf hashes the path, size and mtime of every contributing file.
func versionOf(stamps []fileStamp) string {
	h := sha1.New()
	for _, s := range stamps {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", s.path, s.size, s.modNano)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (f *FS) parse(kind, subject, variant, version string, stamps []fileStamp) (*Template, error) {
	var merged *tree.Value
	files := make([]string, 0, len(stamps))
	for i, s := range stamps {
		v, err := readTree(s)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			merged = v
		} else {
			merged = tree.Overlay(merged, v)
		}
		files = append(files, s.path)
	}

	f.logger.WithFields(logrus.Fields{
		"kind":    kind,
		"subject": subject,
		"variant": variant,
		"version": version[:12],
		"files":   len(files),
	}).Debug("Template parsed")

	return &Template{
		Kind:        kind,
		Subject:     subject,
		Variant:     variant,
		Tree:        merged,
		Version:     version,
		Files:       files,
		ExcludeKeys: ExcludeKeys(merged),
	}, nil
}

func readTree(s fileStamp) (*tree.Value, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("templates: read %s: %w", s.path, err)
	}
	var v *tree.Value
	if s.ext == ".json" {
		v, err = tree.Parse(data)
	} else {
		v, err = tree.ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("templates: %s: %w", s.path, err)
	}
	if !v.IsMap() {
		return nil, fmt.Errorf("templates: %s: top level must be an object", s.path)
	}
	return v, nil
}

// ExcludeKeys returns the string items of meta.excludeKeys.
func ExcludeKeys(root *tree.Value) []string {
	list, ok := root.Get([]string{"meta", "excludeKeys"})
	if !ok || !list.IsList() {
		return nil
	}
	var out []string
	for _, item := range list.Items() {
		if item.IsString() && strings.TrimSpace(item.Text()) != "" {
			out = append(out, strings.TrimSpace(item.Text()))
		}
	}
	return out
}
