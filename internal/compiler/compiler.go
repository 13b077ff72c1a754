// Package compiler turns a source file into an executable. The session core
// only sees the Compiler interface: pass/fail plus diagnostic text.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout bounds a single compilation.
const DefaultTimeout = 10 * time.Second

// ErrUnknownLanguage is returned by Set.Lookup for unregistered languages.
var ErrUnknownLanguage = errors.New("unsupported language")

// Result is the outcome of a compilation that ran to completion (or timed out).
type Result struct {
	OK         bool
	Diagnostic string // compiler output, verbatim
	Duration   time.Duration
}

// Compiler compiles sourcePath into binaryPath. A non-nil error means the
// compiler could not be run at all; a failed compilation is a Result with OK false.
// Implementations enforce their own timeout and never leave a partial binary behind.
type Compiler interface {
	Compile(ctx context.Context, sourcePath, binaryPath string) (*Result, error)
}

// Entry pairs a toolchain with the compiler that runs it.
type Entry struct {
	Toolchain Toolchain
	Compiler  Compiler
}

// Set maps language names to compilers.
type Set struct {
	Default string
	entries map[string]Entry
}

// NewSet creates an empty Set with the given default language.
func NewSet(defaultLang string) *Set {
	return &Set{Default: defaultLang, entries: make(map[string]Entry)}
}

// Add registers a compiler for a toolchain under its name.
func (s *Set) Add(tc Toolchain, c Compiler) {
	s.entries[tc.Name] = Entry{Toolchain: tc, Compiler: c}
}

// Lookup returns the entry for lang, falling back to the default when lang is empty.
func (s *Set) Lookup(lang string) (Entry, error) {
	if lang == "" {
		lang = s.Default
	}
	e, ok := s.entries[lang]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return e, nil
}

// Languages returns the registered language names, sorted.
func (s *Set) Languages() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LanguageFor returns the language whose toolchain uses the file extension
// of path, or "" when none does.
func (s *Set) LanguageFor(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	for name, e := range s.entries {
		if strings.EqualFold(e.Toolchain.SourceExt, ext) {
			return name
		}
	}
	return ""
}

// Options selects and configures the compiler driver.
type Options struct {
	Driver         string // "local" or "docker"
	Default        string
	ToolchainsFile string
	Timeout        time.Duration
	Policy         Policy
}

// NewSetFromOptions builds a Set with the default toolchains plus any loaded
// from opts.ToolchainsFile, all using the configured driver.
func NewSetFromOptions(opts Options) (*Set, error) {
	toolchains := DefaultToolchains()
	if opts.ToolchainsFile != "" {
		extra, err := LoadToolchains(opts.ToolchainsFile)
		if err != nil {
			return nil, err
		}
		for name, tc := range extra {
			toolchains[name] = tc
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	def := opts.Default
	if def == "" {
		def = "cpp"
	}
	set := NewSet(def)
	for _, tc := range toolchains {
		switch opts.Driver {
		case "", "local":
			set.Add(tc, NewLocal(tc, timeout))
		case "docker":
			set.Add(tc, NewDocker(tc, opts.Policy, timeout))
		default:
			return nil, fmt.Errorf("unknown compiler driver: %s", opts.Driver)
		}
	}
	if _, err := set.Lookup(""); err != nil {
		return nil, fmt.Errorf("default language: %w", err)
	}
	return set, nil
}
