package walker

import (
	"fmt"
	"io"
	"os"
	"regexp"
)

// magicProbeLen is how many leading bytes a magic filter inspects.
const magicProbeLen = 512

// MagicBytesMatcher compiles -M patterns into a gate over leading bytes.
// Each pattern is a regular expression applied to the probe; a '!' prefix
// negates it. A probe passes when any positive pattern matches (or only
// negative patterns are given) and no negative pattern matches. The same
// compiled gate serves plain files and decoded archive members.
func MagicBytesMatcher(specs []string) (func(head []byte) bool, error) {
	type magic struct {
		re      *regexp.Regexp
		negated bool
	}
	var compiled []magic
	positives := 0
	for _, spec := range specs {
		negated := false
		if len(spec) > 0 && spec[0] == '!' {
			negated = true
			spec = spec[1:]
		}
		re, err := regexp.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid magic pattern %q: %w", spec, err)
		}
		if !negated {
			positives++
		}
		compiled = append(compiled, magic{re: re, negated: negated})
	}
	if len(compiled) == 0 {
		return nil, nil
	}

	return func(head []byte) bool {
		accepted := positives == 0
		for _, m := range compiled {
			if !m.re.Match(head) {
				continue
			}
			if m.negated {
				return false
			}
			accepted = true
		}
		return accepted
	}, nil
}

// MagicMatcher wraps MagicBytesMatcher with the file open and probe read,
// for use as a walker Options.Magic gate.
func MagicMatcher(specs []string) (func(path string) bool, error) {
	match, err := MagicBytesMatcher(specs)
	if err != nil || match == nil {
		return nil, err
	}

	return func(path string) bool {
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		defer f.Close()

		probe := make([]byte, magicProbeLen)
		n, err := io.ReadFull(f, probe)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return false
		}
		return match(probe[:n])
	}, nil
}
