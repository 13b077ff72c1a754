package compiler

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shToolchain(script string) Toolchain {
	return Toolchain{
		Name:      "sh",
		Command:   "sh",
		Args:      []string{"-c", script, "compile", "{source}", "{binary}"},
		SourceExt: ".sh",
	}
}

func writeSource(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "main.sh")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	return src, filepath.Join(dir, "main.out")
}

func TestToolchainArgv(t *testing.T) {
	tc := DefaultToolchains()["cpp"]
	got := tc.Argv("/w/main.cpp", "/w/main.out")
	assert.Equal(t, []string{"g++", "/w/main.cpp", "-o", "/w/main.out", "-std=c++17"}, got)
}

func TestLoadToolchains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolchains.yaml")
	yaml := `
toolchains:
  - name: cpp20
    command: clang++
    args: ["{source}", "-o", "{binary}", "-std=c++20"]
    source_ext: .cpp
  - name: rust
    command: rustc
    args: ["{source}", "-o", "{binary}"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	got, err := LoadToolchains(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "clang++", got["cpp20"].Command)
	assert.Equal(t, ".rust", got["rust"].SourceExt)
}

func TestLoadExampleToolchains(t *testing.T) {
	tcs, err := LoadToolchains(filepath.Join("..", "..", "toolchains.example.yaml"))
	require.NoError(t, err)

	require.Contains(t, tcs, "cpp20")
	assert.Equal(t, ".cc", tcs["cpp20"].SourceExt)
	assert.Equal(t, []string{"g++", "a.cc", "-o", "a.out", "-std=c++20", "-O2"}, tcs["cpp20"].Argv("a.cc", "a.out"))
	assert.Equal(t, "rust:1-slim", tcs["rust"].Image)
}

func TestLoadToolchainsMissingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolchains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("toolchains:\n  - name: broken\n"), 0o644))

	_, err := LoadToolchains(path)
	assert.Error(t, err)
}

func TestSetLookup(t *testing.T) {
	set := NewSet("cpp")
	set.Add(DefaultToolchains()["cpp"], NewLocal(DefaultToolchains()["cpp"], time.Second))

	e, err := set.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "cpp", e.Toolchain.Name)

	_, err = set.Lookup("cobol")
	assert.True(t, errors.Is(err, ErrUnknownLanguage))
	assert.Equal(t, []string{"cpp"}, set.Languages())
}

func TestNewSetFromOptions(t *testing.T) {
	set, err := NewSetFromOptions(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "cpp"}, set.Languages())

	_, err = NewSetFromOptions(Options{Driver: "chroot"})
	assert.Error(t, err)

	_, err = NewSetFromOptions(Options{Default: "cobol"})
	assert.Error(t, err)
}

func TestSetLanguageFor(t *testing.T) {
	set, err := NewSetFromOptions(Options{})
	require.NoError(t, err)

	assert.Equal(t, "cpp", set.LanguageFor("hello.cpp"))
	assert.Equal(t, "c", set.LanguageFor("/tmp/prog.c"))
	assert.Equal(t, "", set.LanguageFor("script.py"))
	assert.Equal(t, "", set.LanguageFor("Makefile"))
}

func TestLocalCompileSuccess(t *testing.T) {
	src, bin := writeSource(t, "#!/bin/sh\necho hi\n")
	c := NewLocal(shToolchain(`cp "$1" "$2" && chmod +x "$2"`), 5*time.Second)

	res, err := c.Compile(context.Background(), src, bin)
	require.NoError(t, err)
	assert.True(t, res.OK)
	_, err = os.Stat(bin)
	assert.NoError(t, err)
}

func TestLocalCompileFailureRemovesBinary(t *testing.T) {
	src, bin := writeSource(t, "garbage")
	c := NewLocal(shToolchain(`echo partial > "$2"; echo "main.cpp:1: error: expected ';'" >&2; exit 1`), 5*time.Second)

	res, err := c.Compile(context.Background(), src, bin)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Diagnostic, "expected ';'")

	_, err = os.Stat(bin)
	assert.True(t, os.IsNotExist(err), "partial binary must be removed")
}

func TestLocalCompileTimeout(t *testing.T) {
	src, bin := writeSource(t, "x")
	c := NewLocal(shToolchain(`sleep 10`), 200*time.Millisecond)

	start := time.Now()
	res, err := c.Compile(context.Background(), src, bin)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Diagnostic, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalCompileCancelled(t *testing.T) {
	src, bin := writeSource(t, "x")
	c := NewLocal(shToolchain(`sleep 10`), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := c.Compile(ctx, src, bin)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
	_, statErr := os.Stat(bin)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalCompileMissingCompiler(t *testing.T) {
	src, bin := writeSource(t, "x")
	c := NewLocal(Toolchain{Name: "nope", Command: "termrun-no-such-compiler"}, time.Second)

	_, err := c.Compile(context.Background(), src, bin)
	assert.Error(t, err)
}

func TestLocalGxx(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not installed")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "main.cpp")
	bin := filepath.Join(dir, "main.out")
	c := NewLocal(DefaultToolchains()["cpp"], 30*time.Second)

	require.NoError(t, os.WriteFile(src, []byte("#include <iostream>\nint main(){std::cout<<\"hi\";}\n"), 0o644))
	res, err := c.Compile(context.Background(), src, bin)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Diagnostic)

	require.NoError(t, os.WriteFile(src, []byte("int main( {\n"), 0o644))
	res, err = c.Compile(context.Background(), src, bin)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, strings.Contains(res.Diagnostic, "error"), res.Diagnostic)
}

func TestDockerRejectsImage(t *testing.T) {
	tc := DefaultToolchains()["cpp"]
	tc.Image = "evil:latest"
	d := NewDocker(tc, DefaultPolicy(), time.Second)

	_, err := d.Compile(context.Background(), "/tmp/x/main.cpp", "/tmp/x/main.out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")
}

func TestPolicyIsImageAllowed(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsImageAllowed("gcc:13"))
	assert.False(t, p.IsImageAllowed("ubuntu:latest"))
}
