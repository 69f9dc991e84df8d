package walker

import "path/filepath"

// pattern is one compiled glob. Patterns containing a path separator match
// against the root-relative pathname; bare patterns match the basename. A
// '!' prefix negates the pattern, subtracting from whatever earlier
// patterns in the same list selected.
type pattern struct {
	glob     string
	negated  bool
	pathwise bool
}

type patterns []pattern

func compilePatterns(globs []string) patterns {
	var out patterns
	for _, g := range globs {
		p := pattern{glob: g}
		if len(p.glob) > 0 && p.glob[0] == '!' {
			p.negated = true
			p.glob = p.glob[1:]
		}
		for _, c := range p.glob {
			if c == '/' {
				p.pathwise = true
				break
			}
		}
		out = append(out, p)
	}
	return out
}

// NewNameFilter builds a standalone selector from include/exclude glob
// lists, used for archive member selection where no directory traversal is
// involved. Exclusions beat inclusions; an empty include list selects
// everything not excluded.
func NewNameFilter(include, exclude []string) func(name string) bool {
	inc := compilePatterns(include)
	exc := compilePatterns(exclude)
	if len(inc) == 0 && len(exc) == 0 {
		return nil
	}
	return func(name string) bool {
		base := filepath.Base(name)
		if exc.match(name, base) {
			return false
		}
		if len(inc) > 0 && !inc.match(name, base) {
			return false
		}
		return true
	}
}

// match evaluates the list in order; the last pattern that applies wins,
// so "!*.min.js" after "*.js" subtracts minified files from the
// selection.
func (ps patterns) match(rel, base string) bool {
	matched := false
	for _, p := range ps {
		subject := base
		if p.pathwise {
			subject = rel
		}
		ok, err := filepath.Match(p.glob, subject)
		if err != nil || !ok {
			continue
		}
		matched = !p.negated
	}
	return matched
}
