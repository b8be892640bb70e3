// Package executor installs a set of recipes in dependency order.
package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/ngld/cellar/pkg/graph"
	"github.com/ngld/cellar/pkg/logctx"
	"github.com/ngld/cellar/pkg/receipts"
	"github.com/ngld/cellar/pkg/recipe"
	"github.com/ngld/cellar/pkg/steps"
)

// Fetcher retrieves a recipe's source into dest
type Fetcher interface {
	Fetch(ctx context.Context, src recipe.Source, dest string) error
}

// StepRunner executes install steps inside dir
type StepRunner interface {
	Run(ctx context.Context, steps []recipe.Step, dir string, env recipe.Environment) error
}

// ReceiptStore keeps track of installed recipes
type ReceiptStore interface {
	Has(name string) (bool, error)
	Record(r *receipts.Receipt) error
}

// Options controls a single run
type Options struct {
	UseHead            bool
	IncludeRecommended bool
	DryRun             bool
	// Jobs is the number of recipes that may be installed at the same time. Values below 2 install sequentially.
	Jobs int
	// KeepWorkDirs skips removing the per-recipe work directories
	KeepWorkDirs bool
	// AssumePresent lists dependencies that are satisfied outside of this run. "*" matches everything.
	AssumePresent []string
}

// Executor ties the graph builder, the fetcher and the step runner together
type Executor struct {
	Fetcher Fetcher
	Runner  StepRunner
	// WorkRoot is where the per-recipe work directories are created
	WorkRoot string
	Prefix   string
	// Receipts is optional. Installed recipes are recorded in it and count as present for later runs.
	Receipts ReceiptStore

	now func() time.Time
}

// assumePresent returns the AssumePresent hook for the graph builder. Receipt lookup errors are stored in
// storeErr since the hook itself can't fail.
func (e *Executor) assumePresent(opts Options, storeErr *error) func(string) bool {
	assumed := make(map[string]bool, len(opts.AssumePresent))
	for _, name := range opts.AssumePresent {
		assumed[name] = true
	}

	return func(name string) bool {
		if assumed["*"] || assumed[name] {
			return true
		}
		if e.Receipts == nil {
			return false
		}

		found, err := e.Receipts.Has(name)
		if err != nil {
			if *storeErr == nil {
				*storeErr = err
			}
			return false
		}
		return found
	}
}

// Plan returns the install order for requested without side effects
func (e *Executor) Plan(batch *recipe.Batch, requested []string, opts Options) ([]string, error) {
	var storeErr error
	order, err := graph.Order(batch, requested, graph.Options{
		IncludeRecommended: opts.IncludeRecommended,
		AssumePresent:      e.assumePresent(opts, &storeErr),
	})
	if storeErr != nil {
		return nil, storeErr
	}
	return order, err
}

// Run installs requested and everything it depends on. The returned error is only set if nothing could be
// installed at all (see IsConfigurationError); failures of individual recipes are recorded in the report.
func (e *Executor) Run(ctx context.Context, batch *recipe.Batch, requested []string, opts Options) (*Report, error) {
	order, err := e.Plan(batch, requested, opts)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Order:   order,
		Results: make(map[string]InstallResult, len(order)),
		DryRun:  opts.DryRun,
	}

	if opts.DryRun {
		for idx, name := range order {
			logctx.Log(ctx).Info().Msgf("%d. %s", idx+1, name)
		}
		return report, nil
	}

	if e.Prefix != "" {
		err = os.MkdirAll(e.Prefix, 0o755)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to create prefix %s", e.Prefix)
		}
	}

	if opts.Jobs > 1 {
		e.runParallel(ctx, batch, report, opts)
	} else {
		e.runSequential(ctx, batch, report, opts)
	}

	return report, nil
}

func (e *Executor) runSequential(ctx context.Context, batch *recipe.Batch, report *Report, opts Options) {
	for _, name := range report.Order {
		r, _ := batch.Get(name)
		report.Results[name] = e.process(ctx, r, report.Results, opts)
	}
}

// runParallel launches one goroutine per recipe in install order. Each goroutine waits until all of its
// dependencies are done before it starts working.
func (e *Executor) runParallel(ctx context.Context, batch *recipe.Batch, report *Report, opts Options) {
	var mu sync.Mutex
	done := make(map[string]chan struct{}, len(report.Order))
	for _, name := range report.Order {
		done[name] = make(chan struct{})
	}

	var g errgroup.Group
	g.SetLimit(opts.Jobs)

	for _, name := range report.Order {
		r, _ := batch.Get(name)

		g.Go(func() error {
			defer close(done[r.Name])

			for _, dep := range r.RequiredDependencies(opts.IncludeRecommended) {
				if ch, ok := done[dep]; ok {
					<-ch
				}
			}

			mu.Lock()
			snapshot := make(map[string]InstallResult, len(report.Results))
			for k, v := range report.Results {
				snapshot[k] = v
			}
			mu.Unlock()

			result := e.process(ctx, r, snapshot, opts)

			mu.Lock()
			report.Results[r.Name] = result
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
}

// process decides whether r can be installed given the results so far and installs it if so
func (e *Executor) process(ctx context.Context, r *recipe.Recipe, results map[string]InstallResult, opts Options) InstallResult {
	ctx = logctx.WithRecipe(ctx, r.Name)

	if ctx.Err() != nil {
		logctx.Log(ctx).Warn().Msg("Skipped because the run was cancelled")
		return InstallResult{Name: r.Name, Status: Skipped, Error: "run cancelled"}
	}

	for _, dep := range r.RequiredDependencies(opts.IncludeRecommended) {
		result, ok := results[dep]
		if !ok || result.Status == Success {
			continue
		}

		logctx.Log(ctx).Warn().Msgf("Skipped because dependency %s %s", dep, result.Status)
		return InstallResult{
			Name:   r.Name,
			Status: Skipped,
			Error:  "dependency " + dep + " " + string(result.Status),
		}
	}

	return e.install(ctx, r, opts)
}

func (e *Executor) install(ctx context.Context, r *recipe.Recipe, opts Options) InstallResult {
	result := InstallResult{Name: r.Name}
	fail := func(err error, msg string) InstallResult {
		logctx.Log(ctx).Error().Err(err).Msg(msg)

		result.Status = Failed
		result.Error = err.Error()

		var failure *steps.StepFailure
		if errors.As(err, &failure) {
			idx := failure.Index
			result.FailingStep = &idx
			result.Command = failure.Command.String()
			result.Stderr = failure.Stderr
		}
		return result
	}

	workDir := filepath.Join(e.WorkRoot, r.Name+"-"+nanoid.New())
	if !opts.KeepWorkDirs {
		defer func() {
			err := os.RemoveAll(workDir)
			if err != nil {
				logctx.Log(ctx).Warn().Err(err).Msgf("Failed to clean up %s", workDir)
			}
		}()
	}

	src := r.SelectSource(opts.UseHead)
	if src != nil {
		logctx.Log(ctx).Info().Msgf("Fetching %s", src.Location())
		err := e.Fetcher.Fetch(ctx, src, workDir)
		if err != nil {
			return fail(err, "Fetch failed")
		}
	} else {
		err := os.MkdirAll(workDir, 0o770)
		if err != nil {
			return fail(eris.Wrapf(err, "failed to create %s", workDir), "Failed to create work directory")
		}
	}

	vars := recipe.Vars{
		"prefix":    e.Prefix,
		"name":      r.Name,
		"version":   r.EffectiveVersion(opts.UseHead),
		"buildpath": workDir,
	}

	err := e.Runner.Run(ctx, vars.ExpandSteps(r.InstallSteps), workDir, vars.ExpandEnv(r.Env))
	if err != nil {
		return fail(err, "Install failed")
	}

	if opts.KeepWorkDirs {
		logctx.Log(ctx).Info().Msgf("Keeping work directory %s", workDir)
	}

	if e.Receipts != nil {
		e.record(ctx, r, src, opts)
	}

	logctx.Log(ctx).Info().Msg("Installed")
	result.Status = Success
	return result
}

func (e *Executor) record(ctx context.Context, r *recipe.Recipe, src recipe.Source, opts Options) {
	now := time.Now
	if e.now != nil {
		now = e.now
	}

	receipt := &receipts.Receipt{
		Name:         r.Name,
		Version:      r.EffectiveVersion(opts.UseHead),
		Revision:     r.Revision,
		Dependencies: r.RequiredDependencies(opts.IncludeRecommended),
		InstalledAt:  now().UTC(),
	}
	if src != nil {
		receipt.Source = src.Location()
		_, receipt.Head = src.(*recipe.VersionControl)
	}

	err := e.Receipts.Record(receipt)
	if err != nil {
		logctx.Log(ctx).Warn().Err(err).Msg("Failed to record receipt")
	}
}
