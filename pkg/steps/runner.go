// Package steps executes a recipe's install steps.
package steps

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/cellar/pkg/logctx"
	"github.com/ngld/cellar/pkg/recipe"
)

const defaultTailSize = 4096

// Runner executes install steps. All steps of one Run() call share a single shell interpreter so
// builtins like cd or export carry over to later steps.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	// HelperBinary, if set, is invoked as "HelperBinary tool <cmd> ..." for mv, rm, mkdir and touch.
	HelperBinary string
	// TailSize is the number of stderr bytes kept for StepFailure
	TailSize int
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func (r *Runner) helperArgs(args []string) []string {
	if r.HelperBinary == "" || len(args) == 0 {
		return args
	}

	switch args[0] {
	case "mv", "rm", "mkdir", "touch":
		// always use our own implementation for these to make sure they behave the same on every platform
		return append([]string{r.HelperBinary, "tool"}, args...)
	}
	return args
}

func (r *Runner) execHandler(ctx context.Context, args []string) error {
	return defaultExecHandler(ctx, r.helperArgs(args))
}

// stepExpr turns a step into a shell call. Every argument is single quoted so nothing is expanded or globbed.
func stepExpr(step recipe.Step) *syntax.Stmt {
	call := &syntax.CallExpr{
		Args: make([]*syntax.Word, len(step)),
	}
	for idx, arg := range step {
		call.Args[idx] = &syntax.Word{
			Parts: []syntax.WordPart{&syntax.SglQuoted{Value: arg}},
		}
	}

	return &syntax.Stmt{Cmd: call}
}

// Run executes steps in order inside dir with env applied on top of the current process' environment.
// It stops at the first failing step and returns a *StepFailure for it. Steps are never interrupted once
// started; ctx is only used for logging.
func (r *Runner) Run(ctx context.Context, steps []recipe.Step, dir string, env recipe.Environment) error {
	tailSize := r.TailSize
	if tailSize < 1 {
		tailSize = defaultTailSize
	}
	tail := newTailBuffer(tailSize)

	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := r.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(MergeEnv(os.Environ(), env)...)),
		interp.ExecHandler(r.execHandler),
		interp.StdIO(nil, stdout, io.MultiWriter(stderr, tail)),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	runCtx := context.WithoutCancel(ctx)
	for idx, step := range steps {
		if len(step) == 0 {
			return &StepFailure{Index: idx, Command: step, ExitCode: -1, Err: eris.New("empty step")}
		}

		logctx.Log(ctx).Info().
			Bool("command", true).
			Int("step", idx).
			Msg(step.String())

		tail.Reset()
		err = runner.Run(runCtx, stepExpr(step))
		if err != nil {
			failure := &StepFailure{
				Index:   idx,
				Command: step,
				Stderr:  tail.String(),
			}

			if status, ok := interp.IsExitStatus(err); ok {
				failure.ExitCode = int(status)
			} else {
				failure.ExitCode = -1
				failure.Err = err
			}

			return failure
		}

		if runner.Exited() && idx < len(steps)-1 {
			return &StepFailure{
				Index:    idx,
				Command:  step,
				ExitCode: -1,
				Stderr:   tail.String(),
				Err:      eris.Errorf("step exited the shell, %d remaining steps would not run", len(steps)-idx-1),
			}
		}
	}

	return nil
}
