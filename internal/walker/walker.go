// Package walker enumerates filesystem entries for the search scheduler.
// It applies hidden/include/exclude/depth/mount/magic filters, detects
// symlink cycles through a (device, inode) visited set, and optionally
// buffers and sorts each directory's entries before dispatch.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/pargrep/internal/logger"
	"github.com/harrison/pargrep/internal/search"
)

// hardDepthLimit is the absolute recursion ceiling, independent of the
// configured --depth bounds.
const hardDepthLimit = 100

// SortKey selects the per-directory dispatch order.
type SortKey int

const (
	SortNone SortKey = iota
	SortName
	SortSize
	SortUsed    // last access time
	SortChanged // last modification time
	SortCreated // inode change time (creation is not portably recorded)
)

// ParseSortKey maps --sort arguments to a SortKey. "" and "name" both mean
// name order, matching the flag's optional-value form.
func ParseSortKey(s string) (SortKey, bool) {
	switch strings.ToLower(s) {
	case "", "name":
		return SortName, true
	case "size":
		return SortSize, true
	case "used":
		return SortUsed, true
	case "changed":
		return SortChanged, true
	case "created":
		return SortCreated, true
	case "none":
		return SortNone, true
	}
	return SortNone, false
}

// Options configure one traversal.
type Options struct {
	// Recurse enables descending into directories at all.
	Recurse bool
	// Dereference follows symbolic links to files and directories.
	Dereference bool
	// Hidden includes dot-entries, which are skipped by default.
	Hidden bool

	// MinDepth and MaxDepth bound recursion; 0 means unbounded. The
	// hard ceiling applies regardless.
	MinDepth int
	MaxDepth int

	// OneFileSystem skips directories on a different device than the
	// search root (mount-point filter).
	OneFileSystem bool

	// IncludeFS and ExcludeFS name mount points whose file systems are
	// allowed or pruned. Each entry resolves to a device id when the
	// walker is built; exclusions beat inclusions, and an empty
	// IncludeFS allows every device not excluded.
	IncludeFS []string
	ExcludeFS []string

	// Include/Exclude are file glob lists; IncludeDirs/ExcludeDirs apply
	// to directory names. A '!' prefix negates a pattern, and patterns
	// containing '/' match against the root-relative pathname instead of
	// the basename. Exclusions beat inclusions.
	Include     []string
	Exclude     []string
	IncludeDirs []string
	ExcludeDirs []string

	// Magic, when set, gates every candidate file on its first bytes.
	Magic func(path string) bool

	Sort        SortKey
	SortReverse bool
}

// Walker drives one traversal, emitting candidate file paths to the
// scheduler in discovery (or sorted) order. It runs on the single master
// goroutine, so its visited set needs no lock.
type Walker struct {
	opts    Options
	ctx     *search.Context
	log     *logger.Console
	emit    func(path string)
	include patterns
	exclude patterns
	incDirs patterns
	excDirs patterns
	visited map[devIno]struct{}
	allowFS map[uint64]struct{}
	denyFS  map[uint64]struct{}
	rootDev uint64
	root    string
}

type devIno struct {
	dev uint64
	ino uint64
}

// New builds a Walker. emit receives each selected file path exactly once.
func New(opts Options, ctx *search.Context, log *logger.Console, emit func(path string)) *Walker {
	return &Walker{
		opts:    opts,
		ctx:     ctx,
		log:     log,
		emit:    emit,
		include: compilePatterns(opts.Include),
		exclude: compilePatterns(opts.Exclude),
		incDirs: compilePatterns(opts.IncludeDirs),
		excDirs: compilePatterns(opts.ExcludeDirs),
		visited: make(map[devIno]struct{}),
		allowFS: resolveMounts(opts.IncludeFS, log),
		denyFS:  resolveMounts(opts.ExcludeFS, log),
	}
}

// resolveMounts maps mount point paths to their device ids. Unresolvable
// entries are reported and dropped rather than silently matching nothing.
func resolveMounts(mounts []string, log *logger.Console) map[uint64]struct{} {
	if len(mounts) == 0 {
		return nil
	}
	set := make(map[uint64]struct{}, len(mounts))
	for _, m := range mounts {
		dev, _, err := deviceInode(m)
		if err != nil {
			log.Warnf("cannot resolve mount %s: %v", m, err)
			continue
		}
		set[dev] = struct{}{}
	}
	return set
}

// Walk traverses root. A plain file argument is emitted directly (subject
// to filters); directories recurse per the options.
func (w *Walker) Walk(root string) {
	info, err := w.stat(root)
	if err != nil {
		w.log.Warnf("cannot stat %s: %v", root, err)
		return
	}

	w.root = root
	if w.opts.OneFileSystem {
		if dev, _, err := deviceInode(root); err == nil {
			w.rootDev = dev
		}
	}

	if !info.IsDir() {
		if w.selectFile(root, filepath.Base(root)) {
			w.emit(root)
		}
		return
	}
	if !w.opts.Recurse {
		w.log.Warnf("%s is a directory (use -r to recurse)", root)
		return
	}
	if !w.deviceAllowed(root) {
		w.log.Debugf("skipping %s: file system excluded", root)
		return
	}
	w.descend(root, 0)
}

// walkDir processes one directory level. depth counts levels below the
// root, with entries of the root itself at depth 1.
func (w *Walker) walkDir(dir string, depth int) {
	if depth > hardDepthLimit {
		w.log.Warnf("%s: recursion ceiling (%d) reached", dir, hardDepthLimit)
		return
	}
	if w.opts.MaxDepth > 0 && depth > w.opts.MaxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Warnf("cannot read directory %s: %v", dir, err)
		return
	}

	if w.opts.Sort != SortNone {
		files, dirs := w.classifyAll(dir, depth, entries)
		sortEntries(files, w.opts.Sort, w.opts.SortReverse)
		sortEntries(dirs, w.opts.Sort, w.opts.SortReverse)
		// Sorted dispatch: files before subdirectories.
		for _, e := range files {
			if w.ctx.Canceled() {
				return
			}
			w.emit(e.path)
		}
		for _, e := range dirs {
			if w.ctx.Canceled() {
				return
			}
			w.descend(e.path, depth)
		}
		return
	}

	for _, entry := range entries {
		if w.ctx.Canceled() {
			return
		}
		path := filepath.Join(dir, entry.Name())
		switch w.classify(path, depth, entry) {
		case classFile:
			w.emit(path)
		case classDir:
			w.descend(path, depth)
		}
	}
}

type class int

const (
	classSkip class = iota
	classFile
	classDir
)

// classify decides whether one entry is searched, descended into, or
// skipped.
func (w *Walker) classify(path string, depth int, entry fs.DirEntry) class {
	name := entry.Name()
	if !w.opts.Hidden && strings.HasPrefix(name, ".") {
		return classSkip
	}

	isDir := entry.IsDir()
	mode := entry.Type()
	if mode&fs.ModeSymlink != 0 {
		if !w.opts.Dereference {
			return classSkip
		}
		target, err := os.Stat(path)
		if err != nil {
			w.log.Warnf("cannot resolve symlink %s: %v", path, err)
			return classSkip
		}
		isDir = target.IsDir()
	}

	if isDir {
		if !w.selectDir(path, name) {
			return classSkip
		}
		if !w.deviceAllowed(path) {
			return classSkip
		}
		return classDir
	}

	if !mode.IsRegular() && mode&fs.ModeSymlink == 0 {
		// Sockets, fifos, devices.
		return classSkip
	}
	if depth < w.opts.MinDepth {
		return classSkip
	}
	if !w.selectFile(path, name) {
		return classSkip
	}
	return classFile
}

// deviceAllowed applies the mount filters to a directory about to be
// descended into. Exclusions beat inclusions; OneFileSystem additionally
// pins traversal to the root's device. Entries whose device cannot be
// read pass through, matching the visited-set fallback.
func (w *Walker) deviceAllowed(path string) bool {
	if !w.opts.OneFileSystem && w.allowFS == nil && w.denyFS == nil {
		return true
	}
	dev, _, err := deviceInode(path)
	if err != nil {
		return true
	}
	if _, denied := w.denyFS[dev]; denied {
		return false
	}
	if w.allowFS != nil {
		if _, ok := w.allowFS[dev]; !ok {
			return false
		}
	}
	if w.opts.OneFileSystem && dev != w.rootDev {
		return false
	}
	return true
}

// descend recurses into a directory, recording its (device, inode) in the
// visited set before entering and removing it on return, so a symlink
// cycle visits each ancestor at most once per path.
func (w *Walker) descend(path string, depth int) {
	dev, ino, err := deviceInode(path)
	if err == nil {
		key := devIno{dev, ino}
		if _, seen := w.visited[key]; seen {
			w.log.Debugf("skipping symlink cycle at %s", path)
			return
		}
		w.visited[key] = struct{}{}
		defer delete(w.visited, key)
	}
	w.walkDir(path, depth+1)
}

// selectFile applies the include/exclude and magic filters to a file.
func (w *Walker) selectFile(path, name string) bool {
	rel := w.relative(path)
	if w.exclude.match(rel, name) {
		return false
	}
	if len(w.include) > 0 && !w.include.match(rel, name) {
		return false
	}
	if w.opts.Magic != nil && !w.opts.Magic(path) {
		return false
	}
	return true
}

func (w *Walker) selectDir(path, name string) bool {
	rel := w.relative(path)
	if w.excDirs.match(rel, name) {
		return false
	}
	if len(w.incDirs) > 0 && !w.incDirs.match(rel, name) {
		return false
	}
	return true
}

func (w *Walker) relative(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return rel
}

func (w *Walker) stat(path string) (os.FileInfo, error) {
	if w.opts.Dereference {
		return os.Stat(path)
	}
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&fs.ModeSymlink != 0 {
		// An explicitly named symlink argument is always followed.
		return os.Stat(path)
	}
	return info, err
}
