// Package cmd defines the pargrep command-line surface and wires the
// walker, scheduler, searcher and output synchronizer into one run.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrison/pargrep/internal/config"
	"github.com/harrison/pargrep/internal/decompress"
	"github.com/harrison/pargrep/internal/format"
	"github.com/harrison/pargrep/internal/index"
	"github.com/harrison/pargrep/internal/logger"
	"github.com/harrison/pargrep/internal/matcher"
	"github.com/harrison/pargrep/internal/output"
	"github.com/harrison/pargrep/internal/query"
	"github.com/harrison/pargrep/internal/scheduler"
	"github.com/harrison/pargrep/internal/search"
	"github.com/harrison/pargrep/internal/walker"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// Exit statuses follow grep convention.
const (
	ExitMatch   = 0
	ExitNoMatch = 1
	ExitError   = 2
)

// ExitCodeError carries a process exit status through cobra's error path.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// options collects every flag value before merging with the config file.
type options struct {
	configPath string
	saveConfig bool

	jobs       int
	sortKey    string
	decompress bool
	recurse    bool
	deref      bool
	dirAction  string
	depth      string
	maxFiles   int64
	hidden     bool
	oneFS      bool
	includeFS  []string
	excludeFS  []string

	include     []string
	exclude     []string
	includeDirs []string
	excludeDirs []string
	magic       []string

	lineNumber  bool
	countOnly   bool
	filesOnly   bool
	ignoreCase  bool
	wordRegexp  bool
	lineRegexp  bool
	invert      bool
	maxCount    int64
	boolQuery   bool
	filter      string
	formatName  string
	colorMode   string
	logLevel    string
	useIndex    bool
	indexPath   string
	noFilename  bool
	mmapMin     int64
	mmapMax     int64
	keepIndexed int
}

// NewRootCommand creates the root cobra command for pargrep.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "pargrep [flags] PATTERN [FILE...]",
		Short: "Recursive, multi-threaded content search",
		Long: `pargrep searches files and directory trees for regex pattern matches,
distributing per-file work across a pool of workers with work stealing.

Compressed files (gzip, bzip2, xz, lzma, lz4, zstd) and archive members
(tar, cpio) are searched in place with -z. Output is emitted in strict
submission order when --sort is given, or as soon as each file finishes
otherwise.

Examples:
  pargrep -r 'TODO' src/                 # recurse, unordered output
  pargrep -rn --sort 'func main' .       # ordered output, line numbers
  pargrep -rz 'error' /var/log           # look inside compressed logs
  pargrep -c --include='*.go' 'fmt\.' .  # per-file match counts
  pargrep --bool 'alpha AND NOT beta' .  # boolean line queries
  pargrep --max-files 10 -rl 'secret' .  # stop after 10 matching files`,
		Version:       Version,
		Args:          cobra.MinimumNArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&opts.configPath, "config", "", "Path to config file (default: .pargrep.yml)")
	fl.BoolVar(&opts.saveConfig, "save-config", false, "Write current settings to the config file and exit")

	fl.IntVarP(&opts.jobs, "jobs", "J", 0, "Number of worker threads (0 = number of CPUs)")
	fl.StringVar(&opts.sortKey, "sort", "", "Order output by KEY (name, size, used, changed, created); enables ordered output")
	fl.Lookup("sort").NoOptDefVal = "name"
	fl.BoolVarP(&opts.decompress, "decompress", "z", false, "Search compressed files and archives")
	fl.BoolVarP(&opts.recurse, "recursive", "r", false, "Recurse into directories, not following symlinks")
	fl.BoolVarP(&opts.deref, "dereference-recursive", "R", false, "Recurse into directories, following symlinks")
	fl.StringVar(&opts.dirAction, "directories", "", "How to handle directories: read, recurse or skip")
	fl.StringVar(&opts.depth, "depth", "", "Restrict recursion to MIN[,MAX] directory levels")
	fl.Int64Var(&opts.maxFiles, "max-files", 0, "Stop after this many matching files (0 = unlimited)")
	fl.BoolVar(&opts.hidden, "hidden", false, "Search hidden files and directories")
	fl.BoolVar(&opts.oneFS, "one-file-system", false, "Do not cross filesystem boundaries")
	fl.StringArrayVar(&opts.includeFS, "include-fs", nil, "Only descend into file systems mounted at MOUNT")
	fl.StringArrayVar(&opts.excludeFS, "exclude-fs", nil, "Skip file systems mounted at MOUNT")

	fl.StringArrayVar(&opts.include, "include", nil, "Search only files matching GLOB ('!' negates)")
	fl.StringArrayVar(&opts.exclude, "exclude", nil, "Skip files matching GLOB ('!' negates)")
	fl.StringArrayVar(&opts.includeDirs, "include-dir", nil, "Recurse only into directories matching GLOB")
	fl.StringArrayVar(&opts.excludeDirs, "exclude-dir", nil, "Skip directories matching GLOB")
	fl.StringArrayVarP(&opts.magic, "magic", "M", nil, "Search only files whose first bytes match regex MAGIC ('!' negates)")

	fl.BoolVarP(&opts.lineNumber, "line-number", "n", false, "Prefix each match with its line number")
	fl.BoolVarP(&opts.countOnly, "count", "c", false, "Print a per-file match count instead of matches")
	fl.BoolVarP(&opts.filesOnly, "files-with-matches", "l", false, "Print only names of files with matches")
	fl.BoolVarP(&opts.ignoreCase, "ignore-case", "i", false, "Case-insensitive matching")
	fl.BoolVarP(&opts.wordRegexp, "word-regexp", "w", false, "Match whole words only")
	fl.BoolVarP(&opts.lineRegexp, "line-regexp", "x", false, "Match whole lines only")
	fl.BoolVarP(&opts.invert, "invert-match", "v", false, "Select non-matching lines")
	fl.Int64VarP(&opts.maxCount, "max-count", "m", 0, "Stop per-file matching after NUM matches (0 = unlimited)")
	fl.BoolVar(&opts.boolQuery, "bool", false, "Interpret PATTERN as a boolean AND/OR/NOT line query")
	fl.StringVar(&opts.filter, "filter", "", "Pipe each file through COMMAND before matching")
	fl.StringVar(&opts.formatName, "format", "", "Output format: text, csv, json or xml")
	fl.StringVar(&opts.colorMode, "color", "", "Colorize output: auto, always or never")
	fl.StringVar(&opts.logLevel, "log-level", "", "Diagnostic verbosity: debug, info, warn or error")
	fl.BoolVar(&opts.useIndex, "index", false, "Use the index cache to skip unchanged non-matching files")
	fl.BoolVarP(&opts.noFilename, "no-filename", "h", false, "Suppress file name prefixes in output")
	// -h belongs to --no-filename (grep semantics); register --help ourselves
	// so cobra's InitDefaultHelpFlag doesn't panic trying to claim the shorthand.
	fl.Bool("help", false, "Show help for pargrep")
	fl.Int64Var(&opts.mmapMin, "min-mmap", 1<<14, "Smallest file size eligible for memory-mapped reads")
	fl.Int64Var(&opts.mmapMax, "max-mmap", 1<<30, "Largest file size eligible for memory-mapped reads (0 disables mmap)")
	fl.IntVar(&opts.keepIndexed, "index-keep-runs", 16, "Index cache runs to retain when pruning")

	return cmd
}

// run executes one search invocation.
func run(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := config.Load(config.Locate(opts.configPath))
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	mergeConfig(cmd, opts, cfg)

	// Color policy must be settled before anything captures it: the
	// Console fixes its prefix coloring at construction time.
	applyColorMode(opts.colorMode, cmd.OutOrStdout())

	log := logger.NewConsole(cmd.ErrOrStderr(), "pargrep", opts.logLevel)

	if opts.saveConfig {
		if err := saveConfig(opts, cfg); err != nil {
			return &ExitCodeError{Code: ExitError, Err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration saved to %s\n", config.Locate(opts.configPath))
		return nil
	}

	if len(args) == 0 {
		return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("no pattern given")}
	}
	pattern, paths := args[0], args[1:]

	fmtr, err := newFormatter(opts, len(paths))
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}

	newMat, clauses, err := compilePattern(pattern, opts)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}

	ctx := search.NewContext(opts.maxFiles)
	defer ctx.Cancel("run complete")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		select {
		case <-stop:
			ctx.Cancel("interrupted")
		case <-ctx.Ctx().Done():
		}
	}()

	mode := output.Unordered
	sortKey := walker.SortNone
	if opts.sortKey != "" {
		key, ok := walker.ParseSortKey(strings.TrimPrefix(opts.sortKey, "r"))
		if !ok {
			return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("invalid sort key %q", opts.sortKey)}
		}
		sortKey = key
		mode = output.Ordered
	}

	osync := output.NewSync(mode, cmd.OutOrStdout(), func(err error) {
		log.Errorf("writing output: %v", err)
		ctx.Cancel("output error")
	})
	ctx.OnCancel(osync.Cancel)

	searcher, skip, cleanup, err := buildSearcher(ctx, log, osync, fmtr, newMat, clauses, pattern, opts)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	defer cleanup()

	master := scheduler.NewMaster(opts.jobs, searcher, log)
	master.Start()

	if len(paths) == 0 {
		// No file arguments: search standard input on the first slot,
		// outside the scheduler.
		searcher.SearchStream(cmd.InOrStdin(), "(standard input)", 0)
	} else {
		wopts, err := walkerOptions(opts, sortKey)
		if err != nil {
			master.Shutdown()
			return &ExitCodeError{Code: ExitError, Err: err}
		}
		w := walker.New(wopts, ctx, log, func(path string) {
			if skip != nil && skip(path) {
				log.Debugf("index: skipping unchanged %s", path)
				return
			}
			master.Submit(path)
		})
		for _, root := range paths {
			if ctx.Canceled() {
				break
			}
			w.Walk(root)
		}
	}

	master.Shutdown()
	if err := osync.Flush(); err != nil {
		return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("flushing output: %w", err)}
	}

	if log.Warnings() > 0 {
		log.Debugf("%d warning(s) emitted", log.Warnings())
	}
	if ctx.AnyMatch() {
		return nil
	}
	return &ExitCodeError{Code: ExitNoMatch}
}

// mergeConfig applies config-file defaults to flags the user did not set.
func mergeConfig(cmd *cobra.Command, opts *options, cfg *config.Config) {
	fl := cmd.Flags()
	if !fl.Changed("jobs") {
		opts.jobs = cfg.Jobs
	}
	if !fl.Changed("color") && opts.colorMode == "" {
		opts.colorMode = cfg.Color
	}
	if !fl.Changed("log-level") && opts.logLevel == "" {
		opts.logLevel = cfg.LogLevel
	}
	if !fl.Changed("hidden") && cfg.Hidden {
		opts.hidden = true
	}
	if !fl.Changed("decompress") && cfg.Decompress {
		opts.decompress = true
	}
	if !fl.Changed("sort") && opts.sortKey == "" {
		opts.sortKey = cfg.Sort
	}
	if !fl.Changed("format") && opts.formatName == "" {
		opts.formatName = cfg.Format
	}
	if !fl.Changed("index") && cfg.Index.Enabled {
		opts.useIndex = true
	}
	opts.indexPath = cfg.Index.Path
	if opts.indexPath == "" {
		opts.indexPath = config.Default().Index.Path
	}
	opts.exclude = append(opts.exclude, cfg.Exclude...)
	opts.excludeDirs = append(opts.excludeDirs, cfg.ExcludeDirs...)
	if opts.formatName == "" {
		opts.formatName = "text"
	}
	if opts.logLevel == "" {
		opts.logLevel = "warn"
	}
	if opts.colorMode == "" {
		opts.colorMode = "auto"
	}
}

// saveConfig writes the effective settings back to the config file.
func saveConfig(opts *options, cfg *config.Config) error {
	cfg.Jobs = opts.jobs
	cfg.Color = opts.colorMode
	cfg.LogLevel = opts.logLevel
	cfg.Hidden = opts.hidden
	cfg.Decompress = opts.decompress
	cfg.Sort = opts.sortKey
	cfg.Format = opts.formatName
	cfg.Index.Enabled = opts.useIndex
	return cfg.Save(config.Locate(opts.configPath))
}

func applyColorMode(mode string, out interface{}) {
	switch mode {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		if f, ok := out.(*os.File); ok {
			color.NoColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		} else {
			color.NoColor = true
		}
	}
}

func newFormatter(opts *options, npaths int) (format.Formatter, error) {
	// grep convention: show names when more than one target is possible.
	withName := !opts.noFilename && (npaths != 1 || opts.recurse || opts.deref)
	return format.New(opts.formatName, format.TextOptions{
		ShowLineNumbers: opts.lineNumber,
		WithFilename:    withName,
		Color:           !color.NoColor,
	})
}

// compilePattern validates the pattern up front and returns either a
// matcher factory or, in --bool mode, the normalized clause list.
func compilePattern(pattern string, opts *options) (func() (matcher.Matcher, error), []query.Clause, error) {
	mopts := matcher.Options{
		IgnoreCase: opts.ignoreCase,
		WordRegexp: opts.wordRegexp,
		LineRegexp: opts.lineRegexp,
		Invert:     opts.invert,
	}

	if opts.boolQuery {
		node, err := query.Parse(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid boolean query: %w", err)
		}
		clauses := query.Normalize(node)
		// The factory still serves pipeline probes that need a plain
		// matcher; give it the positive alternation.
		alt := clausesOrPattern(clauses)
		factory := func() (matcher.Matcher, error) {
			return matcher.Compile(alt, mopts)
		}
		return factory, clauses, nil
	}

	if _, err := matcher.Compile(pattern, mopts); err != nil {
		return nil, nil, err
	}
	return func() (matcher.Matcher, error) {
		return matcher.Compile(pattern, mopts)
	}, nil, nil
}

func clausesOrPattern(clauses []query.Clause) string {
	for _, c := range clauses {
		if p := c.OrPattern(); p != "" {
			return p
		}
	}
	return ""
}

// buildSearcher assembles the Searcher with member filtering, the
// optional filter command and the optional index cache. skip is nil
// unless the index cache is on; cleanup closes the index store.
func buildSearcher(ctx *search.Context, log *logger.Console, osync *output.Sync,
	fmtr format.Formatter, newMat func() (matcher.Matcher, error),
	clauses []query.Clause, pattern string, opts *options) (*search.Searcher, func(string) bool, func(), error) {

	var member func(string) bool
	if len(opts.include) > 0 || len(opts.exclude) > 0 {
		member = walker.NewNameFilter(opts.include, opts.exclude)
	}

	var filterArgv []string
	if opts.filter != "" {
		filterArgv = strings.Fields(opts.filter)
	}

	// Inside containers the byte-level -M filter runs against each
	// decoded member, not the container's own header bytes.
	var byteGate decompress.MemberByteFilter
	if opts.decompress && len(opts.magic) > 0 {
		match, err := walker.MagicBytesMatcher(opts.magic)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid magic pattern: %w", err)
		}
		if match != nil {
			byteGate = func(name string, head []byte) bool { return match(head) }
		}
	}

	s := search.NewSearcher(ctx, log, osync, fmtr, newMat, member, search.Options{
		Decompress:       opts.decompress,
		ByteFilter:       byteGate,
		CountOnly:        opts.countOnly,
		FilesWithMatches: opts.filesOnly,
		MaxCount:         opts.maxCount,
		MmapMin:          opts.mmapMin,
		MmapMax:          opts.mmapMax,
		Filter:           filterArgv,
	})

	if opts.boolQuery {
		if err := s.UseBoolean(clauses, opts.ignoreCase); err != nil {
			return nil, nil, nil, err
		}
	}

	cleanup := func() {}
	var skip func(string) bool
	if opts.useIndex {
		store, err := index.NewStore(opts.indexPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening index: %w", err)
		}
		runCtx := context.Background()
		if _, err := store.BeginRun(runCtx, pattern); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		var mu sync.Mutex
		skip = func(path string) bool {
			info, err := os.Stat(path)
			if err != nil {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			return store.ShouldSkip(runCtx, path, info.Size(), info.ModTime())
		}
		s.FileDone = func(path string, matched bool) {
			info, err := os.Stat(path)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if err := store.Record(runCtx, path, info.Size(), info.ModTime(), matched); err != nil {
				log.Debugf("index record %s: %v", path, err)
			}
		}
		cleanup = func() {
			searched, matched, _ := ctx.Stats()
			if err := store.FinishRun(runCtx, searched, matched); err != nil {
				log.Debugf("index finish: %v", err)
			}
			if err := store.Prune(runCtx, opts.keepIndexed); err != nil {
				log.Debugf("index prune: %v", err)
			}
			store.Close()
		}
	}
	return s, skip, cleanup, nil
}

// walkerOptions maps flags onto the traversal options.
func walkerOptions(opts *options, sortKey walker.SortKey) (walker.Options, error) {
	recurse := opts.recurse || opts.deref
	switch opts.dirAction {
	case "recurse":
		recurse = true
	case "skip", "read":
		recurse = false
	}

	minDepth, maxDepth := parseDepth(opts.depth)

	wopts := walker.Options{
		Recurse:       recurse,
		Dereference:   opts.deref,
		Hidden:        opts.hidden,
		MinDepth:      minDepth,
		MaxDepth:      maxDepth,
		OneFileSystem: opts.oneFS,
		IncludeFS:     opts.includeFS,
		ExcludeFS:     opts.excludeFS,
		Include:       opts.include,
		Exclude:       opts.exclude,
		IncludeDirs:   opts.includeDirs,
		ExcludeDirs:   opts.excludeDirs,
		Sort:          sortKey,
		SortReverse:   strings.HasPrefix(opts.sortKey, "r"),
	}
	if len(opts.magic) > 0 {
		m, err := walker.MagicMatcher(opts.magic)
		if err != nil {
			return walker.Options{}, fmt.Errorf("invalid magic pattern: %w", err)
		}
		if opts.decompress {
			// Containers pass the walk so the decompression pipeline can
			// apply the same filter to each decoded member.
			wopts.Magic = func(path string) bool {
				return decompress.Container(path) || m(path)
			}
		} else {
			wopts.Magic = m
		}
	}
	return wopts, nil
}

// parseDepth interprets --depth=MIN[,MAX]. A single number bounds the
// maximum; "MIN," leaves the maximum unbounded.
func parseDepth(s string) (min, max int) {
	if s == "" {
		return 0, 0
	}
	lo, hi, found := strings.Cut(s, ",")
	if !found {
		if n, err := strconv.Atoi(lo); err == nil {
			return 0, n
		}
		return 0, 0
	}
	if n, err := strconv.Atoi(lo); err == nil {
		min = n
	}
	if hi != "" {
		if n, err := strconv.Atoi(hi); err == nil {
			max = n
		}
	}
	return min, max
}
