package compiler

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Toolchain describes how to compile one language.
type Toolchain struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"` // may reference {source} and {binary}
	SourceExt string   `yaml:"source_ext"`
	Image     string   `yaml:"image"` // used by the docker driver
}

// DefaultToolchains returns the built-in C and C++ toolchains.
func DefaultToolchains() map[string]Toolchain {
	return map[string]Toolchain{
		"cpp": {
			Name:      "cpp",
			Command:   "g++",
			Args:      []string{"{source}", "-o", "{binary}", "-std=c++17"},
			SourceExt: ".cpp",
			Image:     "gcc:13",
		},
		"c": {
			Name:      "c",
			Command:   "gcc",
			Args:      []string{"{source}", "-o", "{binary}", "-std=c11", "-lm"},
			SourceExt: ".c",
			Image:     "gcc:13",
		},
	}
}

// Argv expands the placeholders and returns the full command line.
func (t Toolchain) Argv(source, binary string) []string {
	r := strings.NewReplacer("{source}", source, "{binary}", binary)
	argv := []string{t.Command}
	for _, a := range t.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

type toolchainFile struct {
	Toolchains []Toolchain `yaml:"toolchains"`
}

// LoadToolchains reads extra toolchains from a YAML file.
func LoadToolchains(path string) (map[string]Toolchain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading toolchains %s: %w", path, err)
	}

	var f toolchainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing toolchains %s: %w", path, err)
	}

	out := make(map[string]Toolchain, len(f.Toolchains))
	for _, tc := range f.Toolchains {
		if tc.Name == "" || tc.Command == "" {
			return nil, fmt.Errorf("toolchain in %s is missing name or command", path)
		}
		if tc.SourceExt == "" {
			tc.SourceExt = "." + tc.Name
		}
		out[tc.Name] = tc
	}
	return out, nil
}
