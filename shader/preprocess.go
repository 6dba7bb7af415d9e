// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxIncludeDepth bounds nested includes.
const MaxIncludeDepth = 32

// preprocessor errors
var (
	ErrIncludeCycle    = errors.New("include cycle")
	ErrIncludeDepth    = errors.New("includes nested too deep")
	ErrIncludeNotFound = errors.New("include not found")
	ErrIncludeSyntax   = errors.New("malformed include directive")
)

// PreprocessOptions configures Preprocess.
type PreprocessOptions struct {

	// IncludeDirs are searched, in order, when an include is not
	// found next to the including file.
	IncludeDirs []string
}

// Preprocess expands #include directives of the file at path. It returns the
// expanded source and every included file, each listed once, in the order
// they were first included. On error the files included so far are still
// returned, and a missing include is listed where it was expected next to
// the including file.
func Preprocess(path string, opts PreprocessOptions) ([]byte, []string, error) {
	p := preprocessor{
		opts: opts,
		seen: make(map[string]bool),
	}
	primary, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}
	var out bytes.Buffer
	if err := p.expand(&out, primary, nil); err != nil {
		return nil, p.included, err
	}
	return out.Bytes(), p.included, nil
}

type preprocessor struct {
	opts     PreprocessOptions
	seen     map[string]bool
	included []string
}

func (p *preprocessor) expand(out *bytes.Buffer, path string, stack []string) error {
	for _, active := range stack {
		if active == path {
			return fmt.Errorf("%w: %s", ErrIncludeCycle, strings.Join(append(stack, path), " -> "))
		}
	}
	if len(stack) > MaxIncludeDepth {
		return fmt.Errorf("%w: %s", ErrIncludeDepth, path)
	}
	stack = append(stack, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		name, ok, err := parseInclude(text)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if !ok {
			out.WriteString(text)
			out.WriteByte('\n')
			continue
		}

		included, err := p.resolve(path, name)
		if !p.seen[included] {
			p.seen[included] = true
			p.included = append(p.included, included)
		}
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := p.expand(out, included, stack); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseInclude recognises `#include "file"` and `#include <file>`.
func parseInclude(line string) (string, bool, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", false, nil
	}
	directive := strings.TrimSpace(trimmed[1:])
	if !strings.HasPrefix(directive, "include") {
		return "", false, nil
	}
	arg := strings.TrimSpace(directive[len("include"):])
	if len(arg) < 2 {
		return "", false, ErrIncludeSyntax
	}

	var closing byte
	switch arg[0] {
	case '"':
		closing = '"'
	case '<':
		closing = '>'
	default:
		return "", false, ErrIncludeSyntax
	}
	end := strings.IndexByte(arg[1:], closing)
	if end <= 0 {
		return "", false, ErrIncludeSyntax
	}
	return arg[1 : end+1], true, nil
}

func (p *preprocessor) resolve(from, name string) (string, error) {
	candidates := []string{filepath.Join(filepath.Dir(from), name)}
	for _, dir := range p.opts.IncludeDirs {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return filepath.Abs(candidate)
		}
	}
	// from is absolute, so is the first candidate
	return candidates[0], fmt.Errorf("%w: %s", ErrIncludeNotFound, name)
}
