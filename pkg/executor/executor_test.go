package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/cellar/pkg/fetch"
	"github.com/ngld/cellar/pkg/graph"
	"github.com/ngld/cellar/pkg/receipts"
	"github.com/ngld/cellar/pkg/recipe"
	"github.com/ngld/cellar/pkg/steps"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []recipe.Source
	fail  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, src recipe.Source, dest string) error {
	f.mu.Lock()
	f.calls = append(f.calls, src)
	err := f.fail[src.Location()]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	return os.MkdirAll(dest, 0o755)
}

type runCall struct {
	name  string
	steps []recipe.Step
	dir   string
	env   recipe.Environment
}

// fakeRunner expects every recipe's first step to be ["build", <recipe name>]
type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	events []string
	fail   map[string]error
	hook   func(name string)
}

func (f *fakeRunner) Run(ctx context.Context, list []recipe.Step, dir string, env recipe.Environment) error {
	name := list[0][1]

	f.mu.Lock()
	f.calls = append(f.calls, runCall{name: name, steps: list, dir: dir, env: env})
	f.events = append(f.events, "start:"+name)
	err := f.fail[name]
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(name)
	}

	f.mu.Lock()
	f.events = append(f.events, "end:"+name)
	f.mu.Unlock()
	return err
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]string, len(f.calls))
	for idx, call := range f.calls {
		result[idx] = call.name
	}
	return result
}

func mkRecipe(name string, deps ...string) *recipe.Recipe {
	r := &recipe.Recipe{
		Name:         name,
		Version:      "1.0",
		Archive:      &recipe.Archive{URL: "https://example.com/" + name + "-1.0.tar.gz"},
		InstallSteps: []recipe.Step{{"build", name}},
	}
	for _, dep := range deps {
		r.AddDependency(dep, recipe.StageRun)
	}
	return r
}

func mkBatch(t *testing.T, recipes ...*recipe.Recipe) *recipe.Batch {
	t.Helper()
	batch, err := recipe.NewBatch(recipes...)
	require.NoError(t, err)
	return batch
}

func newExecutor(t *testing.T) (*Executor, *fakeFetcher, *fakeRunner) {
	t.Helper()

	root := t.TempDir()
	fetcher := &fakeFetcher{}
	runner := &fakeRunner{}
	return &Executor{
		Fetcher:  fetcher,
		Runner:   runner,
		WorkRoot: filepath.Join(root, "work"),
		Prefix:   filepath.Join(root, "prefix"),
	}, fetcher, runner
}

func endToEndBatch(t *testing.T) *recipe.Batch {
	libfoo := &recipe.Recipe{
		Name:         "libfoo",
		InstallSteps: []recipe.Step{{"./configure"}, {"make", "install"}},
	}
	pkg := &recipe.Recipe{
		Name:         "pkg",
		InstallSteps: []recipe.Step{{"touch", "marker"}},
	}
	pkg.AddDependency("libfoo", recipe.StageRun)

	return mkBatch(t, libfoo, pkg)
}

func TestRunDryRun(t *testing.T) {
	e, fetcher, runner := newExecutor(t)

	report, err := e.Run(context.Background(), endToEndBatch(t), []string{"pkg"}, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"libfoo", "pkg"}, report.Order)
	assert.Empty(t, report.Results)
	assert.Equal(t, 0, report.ExitCode())
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, runner.calls)
	assert.NoDirExists(t, e.Prefix)
}

func TestRunEndToEnd(t *testing.T) {
	e, _, runner := newExecutor(t)
	batch := mkBatch(t, mkRecipe("libfoo"), mkRecipe("pkg", "libfoo"))

	report, err := e.Run(context.Background(), batch, []string{"pkg"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"libfoo", "pkg"}, report.Order)
	assert.Equal(t, map[string]InstallResult{
		"libfoo": {Name: "libfoo", Status: Success},
		"pkg":    {Name: "pkg", Status: Success},
	}, report.Results)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, []string{"libfoo", "pkg"}, runner.ran())
	assert.DirExists(t, e.Prefix)
}

func TestRunEndToEndWithRealSteps(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	root := t.TempDir()
	e := &Executor{
		Fetcher:  &fakeFetcher{},
		Runner:   &steps.Runner{Stdout: &discard{}, Stderr: &discard{}},
		WorkRoot: filepath.Join(root, "work"),
		Prefix:   filepath.Join(root, "prefix"),
	}

	libfoo := &recipe.Recipe{
		Name: "libfoo",
		InstallSteps: []recipe.Step{
			{"sh", "-c", "printf '#!/bin/sh\\necho configured > config.status\\n' > configure && chmod +x configure"},
			{"./configure"},
			{"cp", "config.status", "{prefix}/libfoo.status"},
		},
	}
	pkg := &recipe.Recipe{
		Name:         "pkg",
		InstallSteps: []recipe.Step{{"touch", "{prefix}/marker"}},
	}
	pkg.AddDependency("libfoo", recipe.StageRun)

	report, err := e.Run(context.Background(), mkBatch(t, libfoo, pkg), []string{"pkg"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, Success, report.Results["libfoo"].Status, report.Results["libfoo"].Error)
	assert.Equal(t, Success, report.Results["pkg"].Status, report.Results["pkg"].Error)
	assert.Equal(t, 0, report.ExitCode())
	assert.FileExists(t, filepath.Join(e.Prefix, "marker"))
	assert.FileExists(t, filepath.Join(e.Prefix, "libfoo.status"))

	entries, err := os.ReadDir(e.WorkRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directories should be removed")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestRunCycleHasNoSideEffects(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	batch := mkBatch(t, mkRecipe("a", "b"), mkRecipe("b", "a"))

	report, err := e.Run(context.Background(), batch, []string{"a"}, Options{})
	assert.Nil(t, report)

	var cycle *graph.CycleDetected
	require.True(t, errors.As(err, &cycle))
	assert.True(t, IsConfigurationError(err))
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, runner.calls)
	assert.NoDirExists(t, e.Prefix)
}

func TestRunUnresolvedIsConfigurationError(t *testing.T) {
	e, _, _ := newExecutor(t)
	batch := mkBatch(t, mkRecipe("pkg", "python@3.9"))

	_, err := e.Run(context.Background(), batch, []string{"pkg"}, Options{})
	assert.True(t, IsConfigurationError(err))

	report, err := e.Run(context.Background(), batch, []string{"pkg"}, Options{AssumePresent: []string{"python@3.9"}})
	require.NoError(t, err)
	assert.Equal(t, Success, report.Results["pkg"].Status)

	report, err = e.Run(context.Background(), batch, []string{"pkg"}, Options{AssumePresent: []string{"*"}})
	require.NoError(t, err)
	assert.Equal(t, Success, report.Results["pkg"].Status)
}

func TestRunSkipPropagation(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	runner.fail = map[string]error{
		"x": &steps.StepFailure{Index: 0, Command: recipe.Step{"build", "x"}, ExitCode: 2, Stderr: "make: *** [all] Error 2"},
	}
	batch := mkBatch(t, mkRecipe("x"), mkRecipe("y", "x"))

	report, err := e.Run(context.Background(), batch, []string{"y"}, Options{})
	require.NoError(t, err)

	x := report.Results["x"]
	assert.Equal(t, Failed, x.Status)
	require.NotNil(t, x.FailingStep)
	assert.Equal(t, 0, *x.FailingStep)
	assert.Equal(t, "build x", x.Command)
	assert.Equal(t, "make: *** [all] Error 2", x.Stderr)
	assert.NotEmpty(t, x.Error)

	assert.Equal(t, Skipped, report.Results["y"].Status)
	assert.Equal(t, []string{"x"}, runner.ran())
	assert.Len(t, fetcher.calls, 1)
	assert.Equal(t, 1, report.ExitCode())
}

func TestRunSkipIsTransitiveButSiblingsContinue(t *testing.T) {
	e, _, runner := newExecutor(t)
	runner.fail = map[string]error{"x": &steps.StepFailure{Index: 0, ExitCode: 1}}
	batch := mkBatch(t, mkRecipe("x"), mkRecipe("y", "x"), mkRecipe("z", "y"), mkRecipe("w"))

	report, err := e.Run(context.Background(), batch, []string{"z", "w"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, Failed, report.Results["x"].Status)
	assert.Equal(t, Skipped, report.Results["y"].Status)
	assert.Equal(t, Skipped, report.Results["z"].Status)
	assert.Equal(t, "dependency y skipped", report.Results["z"].Error)
	assert.Equal(t, Success, report.Results["w"].Status)
	assert.Equal(t, []string{"x", "w"}, runner.ran())
	assert.Equal(t, 1, report.Count(Success))
	assert.Equal(t, 1, report.ExitCode())
}

func TestRunFetchFailure(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	fetcher.fail = map[string]error{
		"https://example.com/x-1.0.tar.gz": &fetch.ChecksumMismatch{URL: "https://example.com/x-1.0.tar.gz", Algorithm: "sha256"},
	}
	batch := mkBatch(t, mkRecipe("x"))

	report, err := e.Run(context.Background(), batch, []string{"x"}, Options{})
	require.NoError(t, err)

	x := report.Results["x"]
	assert.Equal(t, Failed, x.Status)
	assert.Nil(t, x.FailingStep)
	assert.Contains(t, x.Error, "checksum mismatch")
	assert.Empty(t, runner.calls)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	batch := mkBatch(t, mkRecipe("a"), mkRecipe("b", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Run(ctx, batch, []string{"b"}, Options{})
	require.NoError(t, err)

	for _, name := range []string{"a", "b"} {
		assert.Equal(t, Skipped, report.Results[name].Status)
		assert.Equal(t, "run cancelled", report.Results[name].Error)
	}
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, runner.calls)
	assert.Equal(t, 1, report.ExitCode())
}

func TestRunCancelledBetweenRecipes(t *testing.T) {
	e, _, runner := newExecutor(t)
	batch := mkBatch(t, mkRecipe("a"), mkRecipe("b"), mkRecipe("c"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.hook = func(name string) {
		if name == "a" {
			cancel()
		}
	}

	report, err := e.Run(ctx, batch, []string{"a", "b", "c"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, Success, report.Results["a"].Status)
	assert.Equal(t, Skipped, report.Results["b"].Status)
	assert.Equal(t, Skipped, report.Results["c"].Status)
	assert.Equal(t, []string{"a"}, runner.ran())
}

func TestRunExpandsPlaceholders(t *testing.T) {
	e, _, runner := newExecutor(t)

	r := mkRecipe("libfoo")
	r.InstallSteps = append(r.InstallSteps, recipe.Step{"./configure", "--prefix={prefix}", "--with-name={name}-{version}"})
	r.Env = recipe.Environment{{Name: "PKG_CONFIG_PATH", Value: "{prefix}/lib/pkgconfig", Mode: recipe.EnvPrependPath}}

	report, err := e.Run(context.Background(), mkBatch(t, r), []string{"libfoo"}, Options{})
	require.NoError(t, err)
	require.Equal(t, Success, report.Results["libfoo"].Status)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, recipe.Step{"./configure", "--prefix=" + e.Prefix, "--with-name=libfoo-1.0"}, call.steps[1])
	assert.Equal(t, e.Prefix+"/lib/pkgconfig", call.env[0].Value)
	assert.Equal(t, "{prefix}", r.InstallSteps[1][1][len("--prefix="):], "recipes must not be modified")
}

func TestRunUseHead(t *testing.T) {
	e, fetcher, _ := newExecutor(t)

	r := mkRecipe("libudfread")
	r.Head = &recipe.VersionControl{URL: "https://code.videolan.org/videolan/libudfread.git"}
	batch := mkBatch(t, r)

	_, err := e.Run(context.Background(), batch, []string{"libudfread"}, Options{UseHead: true})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), batch, []string{"libudfread"}, Options{})
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 2)
	assert.IsType(t, &recipe.VersionControl{}, fetcher.calls[0])
	assert.IsType(t, &recipe.Archive{}, fetcher.calls[1])
}

func TestRunKeepWorkDirs(t *testing.T) {
	e, _, runner := newExecutor(t)
	batch := mkBatch(t, mkRecipe("a"))

	_, err := e.Run(context.Background(), batch, []string{"a"}, Options{})
	require.NoError(t, err)
	assert.NoDirExists(t, runner.calls[0].dir)

	_, err = e.Run(context.Background(), batch, []string{"a"}, Options{KeepWorkDirs: true})
	require.NoError(t, err)
	assert.DirExists(t, runner.calls[1].dir)
	assert.NotEqual(t, runner.calls[0].dir, runner.calls[1].dir)
}

func TestRunWithoutSource(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	r := mkRecipe("meta")
	r.Archive = nil

	report, err := e.Run(context.Background(), mkBatch(t, r), []string{"meta"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Success, report.Results["meta"].Status)
	assert.Empty(t, fetcher.calls)
	assert.Len(t, runner.calls, 1)
}

func TestRunParallelRespectsDependencies(t *testing.T) {
	e, _, runner := newExecutor(t)
	runner.hook = func(string) { time.Sleep(5 * time.Millisecond) }

	batch := mkBatch(t,
		mkRecipe("base"),
		mkRecipe("left", "base"),
		mkRecipe("right", "base"),
		mkRecipe("other"),
		mkRecipe("app", "left", "right"),
	)

	report, err := e.Run(context.Background(), batch, []string{"app", "other"}, Options{Jobs: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitCode())
	assert.Len(t, report.Results, 5)

	pos := make(map[string]int)
	for idx, event := range runner.events {
		pos[event] = idx
	}

	for _, name := range report.Order {
		r, _ := batch.Get(name)
		for _, dep := range r.RequiredDependencies(false) {
			assert.Less(t, pos["end:"+dep], pos["start:"+name], "%s must finish before %s starts", dep, name)
		}
	}
}

func TestRunParallelSkipPropagation(t *testing.T) {
	e, _, runner := newExecutor(t)
	runner.fail = map[string]error{"base": errors.New("boom")}

	batch := mkBatch(t,
		mkRecipe("base"),
		mkRecipe("left", "base"),
		mkRecipe("app", "left"),
		mkRecipe("other"),
	)

	report, err := e.Run(context.Background(), batch, []string{"app", "other"}, Options{Jobs: 4})
	require.NoError(t, err)

	assert.Equal(t, Failed, report.Results["base"].Status)
	assert.Equal(t, Skipped, report.Results["left"].Status)
	assert.Equal(t, Skipped, report.Results["app"].Status)
	assert.Equal(t, Success, report.Results["other"].Status)
	assert.ElementsMatch(t, []string{"base", "other"}, runner.ran())
}

func TestRunRecordsReceipts(t *testing.T) {
	e, _, _ := newExecutor(t)

	store, err := receipts.Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	defer store.Close()

	e.Receipts = store
	e.now = func() time.Time { return time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC) }

	_, err = e.Run(context.Background(), mkBatch(t, mkRecipe("libfoo")), []string{"libfoo"}, Options{})
	require.NoError(t, err)

	receipt, err := store.Get("libfoo")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "1.0", receipt.Version)
	assert.Equal(t, "https://example.com/libfoo-1.0.tar.gz", receipt.Source)
	assert.False(t, receipt.Head)
	assert.True(t, e.now().Equal(receipt.InstalledAt))

	// an installed recipe satisfies dependencies missing from the batch
	order, err := e.Plan(mkBatch(t, mkRecipe("pkg", "libfoo")), []string{"pkg"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg"}, order)
}

type brokenStore struct{}

func (brokenStore) Has(name string) (bool, error) {
	return false, errors.New("database not open")
}

func (brokenStore) Record(r *receipts.Receipt) error {
	return errors.New("database not open")
}

func TestRunReceiptReadErrorAbortsPlanning(t *testing.T) {
	e, fetcher, runner := newExecutor(t)
	e.Receipts = brokenStore{}

	report, err := e.Run(context.Background(), mkBatch(t, mkRecipe("pkg", "libfoo")), []string{"pkg"}, Options{})
	assert.Nil(t, report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not open")
	assert.False(t, IsConfigurationError(err))
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, runner.calls)

	// names that don't need a lookup still plan fine
	order, err := e.Plan(mkBatch(t, mkRecipe("pkg", "libfoo")), []string{"pkg"}, Options{AssumePresent: []string{"libfoo"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg"}, order)
}

func TestReportExitCode(t *testing.T) {
	report := &Report{
		Order: []string{"a", "b"},
		Results: map[string]InstallResult{
			"a": {Name: "a", Status: Success},
		},
	}
	assert.Equal(t, 1, report.ExitCode(), "missing results count as failure")

	report.Results["b"] = InstallResult{Name: "b", Status: Success}
	assert.Equal(t, 0, report.ExitCode())

	report.Results["b"] = InstallResult{Name: "b", Status: Skipped}
	assert.Equal(t, 1, report.ExitCode())
}
