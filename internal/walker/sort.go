package walker

import (
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

// sortedEntry carries the stat-derived keys needed for sorted dispatch.
type sortedEntry struct {
	path string
	name string
	size int64
	used time.Time
	chg  time.Time
	crt  time.Time
}

// classifyAll buffers a directory's selected entries, split into files and
// subdirectories, loading stat keys only when the sort needs them.
func (w *Walker) classifyAll(dir string, depth int, entries []fs.DirEntry) (files, dirs []sortedEntry) {
	needStat := w.opts.Sort != SortName && w.opts.Sort != SortNone
	for _, entry := range entries {
		if w.ctx.Canceled() {
			return
		}
		path := filepath.Join(dir, entry.Name())
		cls := w.classify(path, depth, entry)
		if cls == classSkip {
			continue
		}

		se := sortedEntry{path: path, name: entry.Name()}
		if needStat {
			if info, err := entry.Info(); err == nil {
				se.size = info.Size()
				se.chg = info.ModTime()
				se.used, se.crt = statTimes(info)
			}
		}
		if cls == classFile {
			files = append(files, se)
		} else {
			dirs = append(dirs, se)
		}
	}
	return files, dirs
}

// sortEntries orders entries by the configured key, tie-broken by name.
func sortEntries(entries []sortedEntry, key SortKey, reverse bool) {
	less := func(a, b sortedEntry) bool { return a.name < b.name }
	switch key {
	case SortSize:
		less = func(a, b sortedEntry) bool {
			if a.size != b.size {
				return a.size < b.size
			}
			return a.name < b.name
		}
	case SortUsed:
		less = byTime(func(e sortedEntry) time.Time { return e.used })
	case SortChanged:
		less = byTime(func(e sortedEntry) time.Time { return e.chg })
	case SortCreated:
		less = byTime(func(e sortedEntry) time.Time { return e.crt })
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if reverse {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

func byTime(key func(sortedEntry) time.Time) func(a, b sortedEntry) bool {
	return func(a, b sortedEntry) bool {
		at, bt := key(a), key(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.name < b.name
	}
}
