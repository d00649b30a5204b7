package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// TreeScheme prefixes roots reachable only through a DocumentTree
const TreeScheme = "tree://"

// Permissions is the host's storage permission capability
type Permissions interface {
	// RequestStorage reports whether writes under root are allowed.
	// An empty root means the private downloads directory.
	RequestStorage(ctx context.Context, root string) (bool, error)
}

// FolderPicker is the host's folder-selection capability.
// PickFolder returns a root the app may write into, or ErrSelectionCancelled.
type FolderPicker interface {
	PickFolder(ctx context.Context) (string, error)
}

// DocumentTree is a user-granted location that can create documents but cannot
// be streamed into by path
type DocumentTree interface {
	Exists(name string) (bool, error)
	// Create makes a new document named name and returns a writer and its location
	Create(name, mimeType string) (io.WriteCloser, string, error)
	Remove(location string) error
}

// TreeOpener resolves a tree root URI to a DocumentTree
type TreeOpener func(rootURI string) (DocumentTree, error)

// IsTreeURI reports whether root needs the staging path
func IsTreeURI(root string) bool {
	return strings.HasPrefix(root, TreeScheme)
}

// ProbePermissions grants access when a file can be created in the root directory
type ProbePermissions struct {
	PrivateDir string
}

func (p ProbePermissions) RequestStorage(ctx context.Context, root string) (bool, error) {
	dir := root
	switch {
	case dir == "":
		dir = p.PrivateDir
	case IsTreeURI(dir):
		// Trees are never created here; a missing one is reported by its opener
		dir = strings.TrimPrefix(dir, TreeScheme)
		if _, err := os.Stat(dir); err != nil {
			return true, nil
		}
	}
	if dir == "" {
		return true, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	f, err := os.CreateTemp(dir, ".surgeq-probe-*")
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true, nil
}

// StaticPicker returns a preset folder; an empty Path acts like a dismissed dialog
type StaticPicker struct {
	Path string
}

func (s StaticPicker) PickFolder(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.Path) == "" {
		return "", types.ErrSelectionCancelled
	}
	return strings.TrimSpace(s.Path), nil
}

// dirTree exposes a plain directory through the DocumentTree interface
type dirTree struct {
	dir string
}

// OpenDirTree is the desktop TreeOpener: "tree:///abs/dir" maps onto a directory
func OpenDirTree(rootURI string) (DocumentTree, error) {
	if !IsTreeURI(rootURI) {
		return nil, fmt.Errorf("not a tree uri: %s", rootURI)
	}
	dir := filepath.Clean(strings.TrimPrefix(rootURI, TreeScheme))
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return dirTree{dir: dir}, nil
}

func (d dirTree) Exists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.dir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d dirTree) Create(name, mimeType string) (io.WriteCloser, string, error) {
	path := filepath.Join(d.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func (d dirTree) Remove(location string) error {
	if filepath.Dir(filepath.Clean(location)) != d.dir {
		return fmt.Errorf("%s is outside %s", location, d.dir)
	}
	return os.Remove(location)
}
