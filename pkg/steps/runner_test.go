package steps

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/cellar/pkg/recipe"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	var stderr bytes.Buffer
	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	err := r.Run(context.Background(), []recipe.Step{
		{"sh", "-c", "echo one > first.txt"},
		{"sh", "-c", "echo boom >&2; exit 3"},
		{"sh", "-c", "touch never.txt"},
	}, dir, nil)

	var failure *StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, 3, failure.ExitCode)
	assert.Equal(t, recipe.Step{"sh", "-c", "echo boom >&2; exit 3"}, failure.Command)
	assert.Equal(t, "boom\n", failure.Stderr)
	assert.Nil(t, failure.Err)
	assert.Contains(t, stderr.String(), "boom")

	assert.FileExists(t, filepath.Join(dir, "first.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "never.txt"))
}

func TestRunLaterStepsSeeEarlierFiles(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"sh", "-c", "printf 'all:\\n' > Makefile"},
		{"test", "-f", "Makefile"},
	}, dir, nil)
	require.NoError(t, err)
}

func TestRunEnvironmentVisibleToEveryStep(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	t.Setenv("CELLAR_TEST_CFLAGS", "-O2")

	env := recipe.Environment{
		{Name: "CELLAR_TEST_CFLAGS", Value: "-g", Mode: recipe.EnvAppend},
		{Name: "CELLAR_TEST_NAME", Value: "libfoo", Mode: recipe.EnvSet},
	}

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"sh", "-c", "echo \"$CELLAR_TEST_CFLAGS\" > one.txt"},
		{"sh", "-c", "echo \"$CELLAR_TEST_NAME $CELLAR_TEST_CFLAGS\" > two.txt"},
	}, dir, env)
	require.NoError(t, err)

	one, err := os.ReadFile(filepath.Join(dir, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "-O2 -g\n", string(one))

	two, err := os.ReadFile(filepath.Join(dir, "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "libfoo -O2 -g\n", string(two))
}

func TestRunArgumentsAreNotExpanded(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"sh", "-c", "printf '%s' \"$1\" > arg.txt", "sh", "$HOME *.c it's"},
	}, dir, nil)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "arg.txt"))
	require.NoError(t, err)
	assert.Equal(t, "$HOME *.c it's", string(content))
}

func TestRunCdCarriesOver(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "build"), 0o755))

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"cd", "build"},
		{"sh", "-c", "echo here > marker"},
	}, dir, nil)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "build", "marker"))
}

func TestRunCommandNotFound(t *testing.T) {
	requireShell(t)

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"cellar-this-command-does-not-exist"},
	}, t.TempDir(), nil)

	var failure *StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, failure.Index)
	assert.Equal(t, 127, failure.ExitCode)
}

func TestRunIgnoresCancellation(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(ctx, []recipe.Step{
		{"sh", "-c", "echo done > done.txt"},
	}, dir, nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "done.txt"))
}

func TestRunExitBeforeLastStepFails(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	r := &Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	err := r.Run(context.Background(), []recipe.Step{
		{"exit", "0"},
		{"sh", "-c", "echo never > never.txt"},
	}, dir, nil)

	var failure *StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, failure.Index)
	assert.Equal(t, -1, failure.ExitCode)
	assert.Error(t, failure.Err)
	assert.NoFileExists(t, filepath.Join(dir, "never.txt"))

	err = r.Run(context.Background(), []recipe.Step{
		{"sh", "-c", "echo one > one.txt"},
		{"exit", "0"},
	}, dir, nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "one.txt"))
}

func TestRunEmptyStep(t *testing.T) {
	r := &Runner{}
	err := r.Run(context.Background(), []recipe.Step{{}}, t.TempDir(), nil)

	var failure *StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, failure.Index)
	assert.Error(t, failure.Err)
}

func TestHelperArgs(t *testing.T) {
	r := &Runner{}
	assert.Equal(t, []string{"mkdir", "-p", "x"}, r.helperArgs([]string{"mkdir", "-p", "x"}))

	r.HelperBinary = "/usr/bin/cellar"
	assert.Equal(t, []string{"/usr/bin/cellar", "tool", "mkdir", "-p", "x"}, r.helperArgs([]string{"mkdir", "-p", "x"}))
	assert.Equal(t, []string{"/usr/bin/cellar", "tool", "touch", "a"}, r.helperArgs([]string{"touch", "a"}))
	assert.Equal(t, []string{"make", "install"}, r.helperArgs([]string{"make", "install"}))
}

func TestMergeEnv(t *testing.T) {
	sep := string(os.PathListSeparator)
	base := []string{"PATH=/usr/bin", "CFLAGS=-O2", "broken", "HOME=/root"}

	merged := MergeEnv(base, recipe.Environment{
		{Name: "CFLAGS", Value: "-g", Mode: recipe.EnvAppend},
		{Name: "LDFLAGS", Value: "-L/opt/lib", Mode: recipe.EnvAppend},
		{Name: "PATH", Value: "/opt/cellar/bin", Mode: recipe.EnvPrependPath},
		{Name: "PKG_CONFIG_PATH", Value: "/opt/lib/pkgconfig", Mode: recipe.EnvPrependPath},
		{Name: "HOME", Value: "/tmp", Mode: recipe.EnvSet},
	})

	assert.Equal(t, []string{
		"PATH=/opt/cellar/bin" + sep + "/usr/bin",
		"CFLAGS=-O2 -g",
		"HOME=/tmp",
		"LDFLAGS=-L/opt/lib",
		"PKG_CONFIG_PATH=/opt/lib/pkgconfig",
	}, merged)
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(8)
	tail.Write([]byte("hello"))
	assert.Equal(t, "hello", tail.String())

	tail.Write([]byte(" world"))
	assert.Equal(t, "lo world", tail.String())

	tail.Write([]byte(strings.Repeat("x", 20) + "12345678"))
	assert.Equal(t, "12345678", tail.String())

	tail.Reset()
	assert.Empty(t, tail.String())
}
