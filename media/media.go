// Package media walks an uploaded folder tree and groups the images and
// videos found in it. Each group becomes one ad set.
package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// DefaultGroup names the group of files uploaded without a folder.
const DefaultGroup = "default"

var (
	imageExts = mapset.NewSet(".jpg", ".jpeg", ".png", ".webp")
	videoExts = mapset.NewSet(".mp4", ".mov", ".avi")
	junkFiles = mapset.NewSet("thumbs.db", ".ds_store")
)

// Item is a single media file.
type Item struct {
	Path string
	Name string
	Kind Kind
}

// Group is a named, ordered list of media items.
type Group struct {
	Name  string
	Items []Item
}

// Classify reports the media kind of name by extension. ok is false for
// anything that is neither an image nor a video.
func Classify(name string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts.Contains(ext):
		return KindImage, true
	case videoExts.Contains(ext):
		return KindVideo, true
	}
	return "", false
}

// IsHidden reports dot files and OS metadata files.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || junkFiles.Contains(strings.ToLower(name))
}

// Enumerator lists media groups below a directory.
type Enumerator struct {
	log *zap.Logger
}

func NewEnumerator(logger *zap.Logger) *Enumerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{log: logger.Named("media")}
}

// Enumerate groups the media below root. When root has subdirectories each
// one is a group and files directly under root are ignored; otherwise root
// itself is the only group. Empty groups are kept.
func (e *Enumerator) Enumerate(root string) ([]Group, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read media dir: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && !IsHidden(entry.Name()) {
			dirs = append(dirs, entry.Name())
		}
	}

	if len(dirs) == 0 {
		items, err := e.collect(root)
		if err != nil {
			return nil, err
		}
		return []Group{{Name: filepath.Base(root), Items: items}}, nil
	}

	sort.Strings(dirs)
	groups := make([]Group, 0, len(dirs))
	for _, name := range dirs {
		items, err := e.collect(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		groups = append(groups, Group{Name: name, Items: items})
	}
	return groups, nil
}

// EnumerateUpload enumerates every top-level folder of an upload workspace.
// Loose files at the top level form the "default" group.
func (e *Enumerator) EnumerateUpload(uploadDir string) ([]Group, error) {
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	var groups []Group
	var loose []Item
	for _, entry := range entries {
		name := entry.Name()
		if IsHidden(name) {
			continue
		}
		path := filepath.Join(uploadDir, name)
		if entry.IsDir() {
			sub, err := e.Enumerate(path)
			if err != nil {
				return nil, err
			}
			groups = append(groups, sub...)
			continue
		}
		if item, ok := e.item(path); ok {
			loose = append(loose, item)
		}
	}
	if len(loose) > 0 {
		groups = append(groups, Group{Name: DefaultGroup, Items: loose})
	}
	return groups, nil
}

// collect gathers media below dir recursively, sorted by relative path.
func (e *Enumerator) collect(dir string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if item, ok := e.item(path); ok {
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	// WalkDir visits in lexical order already.
	return items, nil
}

func (e *Enumerator) item(path string) (Item, bool) {
	name := filepath.Base(path)
	kind, ok := Classify(name)
	if !ok {
		e.log.Debug("skipping unsupported file", zap.String("path", path))
		return Item{}, false
	}
	return Item{Path: path, Name: name, Kind: kind}, true
}
