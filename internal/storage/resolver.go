package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/h2non/filetype"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// sniffLen is how many leading bytes filetype needs to recognise every format it knows
const sniffLen = 262

// Target is a resolved destination for one item
type Target struct {
	Name      string // Final file name, collision-adjusted
	FinalPath string // Where the completed file will live (path or tree location)
	WritePath string // File the transfer streams into
	RootURI   string
	Staged    bool // WritePath is a scratch file copied into a DocumentTree on commit
}

// Options configures a Resolver
type Options struct {
	PrivateDir   string // Fallback root, created on demand
	ScratchDir   string // Staging area for tree roots
	Permissions  Permissions
	OpenTree     TreeOpener
	VerifyOnDisk bool
	Now          func() time.Time
	FreeSpace    func(path string) (uint64, error)
}

// Resolver turns requested names into writable, non-colliding targets.
// Its only lasting state is the reservation set of in-flight final paths.
type Resolver struct {
	opts Options

	mu       sync.Mutex
	reserved map[string]string // final path -> item id
}

// NewResolver creates a resolver, filling unset options with host defaults
func NewResolver(opts Options) *Resolver {
	if opts.Permissions == nil {
		opts.Permissions = ProbePermissions{PrivateDir: opts.PrivateDir}
	}
	if opts.OpenTree == nil {
		opts.OpenTree = OpenDirTree
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = freeSpace
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Resolver{opts: opts, reserved: make(map[string]string)}
}

func freeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// CheckPermission asks the host for write access to root
func (r *Resolver) CheckPermission(ctx context.Context, root string) error {
	ok, err := r.opts.Permissions.RequestStorage(ctx, root)
	if err != nil {
		return types.WriteError(fmt.Errorf("permission request failed: %w", err))
	}
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrPermissionDenied, r.describeRoot(root))
	}
	return nil
}

func (r *Resolver) describeRoot(root string) string {
	if root == "" {
		return r.opts.PrivateDir
	}
	return root
}

// SelectFolder runs the folder-selection flow and returns the chosen root.
// ErrSelectionCancelled means nothing was chosen and nothing should change.
func (r *Resolver) SelectFolder(ctx context.Context, picker FolderPicker) (string, error) {
	if err := r.CheckPermission(ctx, ""); err != nil {
		return "", err
	}
	root, err := picker.PickFolder(ctx)
	if err != nil {
		return "", err
	}
	if !IsTreeURI(root) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", types.WriteError(err)
		}
		root = abs
	}
	if err := r.CheckPermission(ctx, root); err != nil {
		return "", err
	}
	if IsTreeURI(root) {
		if _, err := r.opts.OpenTree(root); err != nil {
			return "", types.WriteError(fmt.Errorf("cannot open folder %s: %w", root, err))
		}
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return "", types.WriteError(err)
	}
	utils.Debug("Resolver: folder selected %s", root)
	return root, nil
}

// Resolve picks the target for item id under root. The final path is reserved
// for id until Release, so concurrent items with the same name never collide.
func (r *Resolver) Resolve(ctx context.Context, id, root, name string) (Target, error) {
	if err := r.CheckPermission(ctx, root); err != nil {
		return Target{}, err
	}
	name = Sanitize(name)

	if IsTreeURI(root) {
		return r.resolveTree(id, root, name)
	}

	dir := root
	if dir == "" {
		dir = r.opts.PrivateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Target{}, types.WriteError(fmt.Errorf("cannot create %s: %w", dir, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	final, err := r.pick(name, func(candidate string) (bool, error) {
		p := filepath.Join(dir, candidate)
		return r.takenLocked(p) || pathExists(p) || pathExists(p+types.IncompleteSuffix), nil
	})
	if err != nil {
		return Target{}, err
	}
	finalPath := filepath.Join(dir, final)
	r.reserved[finalPath] = id

	t := Target{
		Name:      final,
		FinalPath: finalPath,
		WritePath: finalPath + types.IncompleteSuffix,
		RootURI:   root,
	}
	utils.Debug("Resolver: %s -> %s", id, t.FinalPath)
	return t, nil
}

func (r *Resolver) resolveTree(id, root, name string) (Target, error) {
	tree, err := r.opts.OpenTree(root)
	if err != nil {
		return Target{}, types.WriteError(fmt.Errorf("cannot open folder %s: %w", root, err))
	}
	if err := os.MkdirAll(r.opts.ScratchDir, 0o755); err != nil {
		return Target{}, types.WriteError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	final, err := r.pick(name, func(candidate string) (bool, error) {
		if r.takenLocked(treeKey(root, candidate)) {
			return true, nil
		}
		return tree.Exists(candidate)
	})
	if err != nil {
		return Target{}, err
	}
	key := treeKey(root, final)
	r.reserved[key] = id

	t := Target{
		Name:      final,
		FinalPath: key,
		WritePath: filepath.Join(r.opts.ScratchDir, types.ScratchPrefix+id),
		RootURI:   root,
		Staged:    true,
	}
	utils.Debug("Resolver: %s -> %s (staged via %s)", id, t.FinalPath, t.WritePath)
	return t, nil
}

func treeKey(root, name string) string {
	if len(root) > 0 && root[len(root)-1] == '/' {
		return root + name
	}
	return root + "/" + name
}

// pick applies the collision policy: name, then name_<unixmillis>.ext, bumping the
// timestamp until a free name is found
func (r *Resolver) pick(name string, taken func(string) (bool, error)) (string, error) {
	used, err := taken(name)
	if err != nil {
		return "", types.WriteError(err)
	}
	if !used {
		return name, nil
	}

	stem, ext := splitExt(name)
	ts := r.opts.Now().UnixMilli()
	for i := 0; i < 1000; i++ {
		suffix := "_" + strconv.FormatInt(ts+int64(i), 10)
		trimmed := stem
		if over := len([]rune(stem+suffix+ext)) - types.MaxFilenameLength; over > 0 {
			runes := []rune(stem)
			if over < len(runes) {
				trimmed = string(runes[:len(runes)-over])
			} else {
				trimmed = ""
			}
		}
		candidate := trimmed + suffix + ext
		used, err := taken(candidate)
		if err != nil {
			return "", types.WriteError(err)
		}
		if !used {
			utils.Debug("Resolver: %s exists, using %s", name, candidate)
			return candidate, nil
		}
	}
	return "", types.WriteError(fmt.Errorf("no free name for %s", name))
}

func (r *Resolver) takenLocked(key string) bool {
	_, ok := r.reserved[key]
	return ok
}

// Reserve records t as belonging to id, used when reloading persisted items
func (r *Resolver) Reserve(id string, t Target) {
	if t.FinalPath == "" {
		return
	}
	r.mu.Lock()
	r.reserved[t.FinalPath] = id
	r.mu.Unlock()
}

// Release frees every reservation held by id
func (r *Resolver) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, owner := range r.reserved {
		if owner == id {
			delete(r.reserved, k)
		}
	}
}

// Preflight fails with WriteFailed when the volume holding path lacks need bytes
func (r *Resolver) Preflight(path string, need int64) error {
	if need <= 0 {
		return nil
	}
	free, err := r.opts.FreeSpace(filepath.Dir(path))
	if err != nil {
		utils.Debug("Resolver: free space unknown for %s: %v", path, err)
		return nil
	}
	if uint64(need) > free {
		return types.WriteError(fmt.Errorf("not enough space: need %s, %s free",
			humanize.IBytes(uint64(need)), humanize.IBytes(free)))
	}
	return nil
}

// Commit moves the finished bytes into place and returns the final location.
// The target's reservation is released whatever the result, and a staged
// scratch file never survives the call.
func (r *Resolver) Commit(id string, t Target, size int64) (string, error) {
	defer r.Release(id)

	kind := sniff(t.WritePath)
	if t.Staged {
		defer r.discardFile(t.WritePath)
		if r.opts.VerifyOnDisk {
			if err := verifySize(t.WritePath, size); err != nil {
				return "", types.WriteError(err)
			}
		}
		return r.commitTree(t, kind)
	}

	// A short file stays partial so Discard can clean it up
	if r.opts.VerifyOnDisk {
		if err := verifySize(t.WritePath, size); err != nil {
			return "", types.WriteError(err)
		}
	}
	final := t.FinalPath
	if _, ext := splitExt(t.Name); ext == "" && kind.ext != "" {
		candidate := final + "." + kind.ext
		if !pathExists(candidate) {
			final = candidate
		}
	}
	if err := os.Rename(t.WritePath, final); err != nil {
		return "", types.WriteError(fmt.Errorf("failed to finalize file: %w", err))
	}
	utils.Debug("Resolver: committed %s", final)
	return final, nil
}

func (r *Resolver) commitTree(t Target, kind sniffed) (string, error) {
	tree, err := r.opts.OpenTree(t.RootURI)
	if err != nil {
		return "", types.WriteError(fmt.Errorf("cannot open folder %s: %w", t.RootURI, err))
	}

	name := t.Name
	if _, ext := splitExt(name); ext == "" && kind.ext != "" {
		if exists, err := tree.Exists(name + "." + kind.ext); err == nil && !exists {
			name += "." + kind.ext
		}
	}

	src, err := os.Open(t.WritePath)
	if err != nil {
		return "", types.WriteError(err)
	}
	defer func() { _ = src.Close() }()

	dst, location, err := tree.Create(name, kind.mime)
	if err != nil {
		return "", types.WriteError(fmt.Errorf("cannot create %s: %w", name, err))
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = tree.Remove(location)
		return "", types.WriteError(fmt.Errorf("copy into folder failed: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = tree.Remove(location)
		return "", types.WriteError(err)
	}
	utils.Debug("Resolver: committed %s into %s", name, t.RootURI)
	return location, nil
}

// Discard removes the partial or scratch file of t and frees its reservation
func (r *Resolver) Discard(id string, t Target) {
	r.discardFile(t.WritePath)
	r.Release(id)
}

func (r *Resolver) discardFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		utils.Debug("Resolver: failed to remove %s: %v", path, err)
	}
}

// RemoveFile deletes a completed file, from a directory or a tree root
func (r *Resolver) RemoveFile(root, location string) error {
	if location == "" {
		return nil
	}
	var err error
	if IsTreeURI(root) {
		var tree DocumentTree
		if tree, err = r.opts.OpenTree(root); err == nil {
			err = tree.Remove(location)
		}
	} else {
		err = os.Remove(location)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.WriteError(err)
	}
	return nil
}

// CleanScratch removes scratch files whose ids are not in keep
func (r *Resolver) CleanScratch(keep map[string]bool) {
	matches, err := filepath.Glob(filepath.Join(r.opts.ScratchDir, types.ScratchPrefix+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		id := filepath.Base(m)[len(types.ScratchPrefix):]
		if !keep[id] {
			utils.Debug("Resolver: removing orphaned scratch %s", m)
			r.discardFile(m)
		}
	}
}

type sniffed struct {
	ext  string
	mime string
}

func sniff(path string) sniffed {
	out := sniffed{mime: "application/octet-stream"}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return out
	}
	out.ext = kind.Extension
	out.mime = kind.MIME.Value
	return out
}

func verifySize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file missing after write: %w", err)
	}
	if want > 0 && info.Size() != want {
		return fmt.Errorf("file size mismatch: expected %d, got %d", want, info.Size())
	}
	return nil
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
