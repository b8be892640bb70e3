package fetch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ngld/cellar/pkg/logctx"
	"github.com/ngld/cellar/pkg/recipe"
)

func (f *Fetcher) fetchRepo(ctx context.Context, src *recipe.VersionControl, dest string) error {
	git := f.Git
	if git == "" {
		git = "git"
	}

	gitPath, err := exec.LookPath(git)
	if err != nil {
		return &NetworkError{URL: src.URL, Err: eris.Wrapf(err, "can't clone without %s", git)}
	}

	return f.stage(dest, func(staging string) error {
		checkout := filepath.Join(staging, RepoName(src.URL))

		return f.withRetry(ctx, src.URL, func(ctx context.Context) error {
			logctx.Log(ctx).Debug().Msgf("Cloning %s", src.URL)

			err := os.RemoveAll(checkout)
			if err != nil {
				return eris.Wrapf(err, "Failed to clean up %s", checkout)
			}

			var stderr bytes.Buffer
			cmd := exec.CommandContext(ctx, gitPath, "clone", "--depth", "1", "--quiet", "--", src.URL, checkout)
			cmd.Stderr = &stderr

			err = cmd.Run()
			if err != nil {
				output := strings.TrimSpace(stderr.String())
				return &NetworkError{
					URL:       src.URL,
					Err:       eris.Errorf("git clone failed: %s: %s", err, output),
					Temporary: ctx.Err() == nil && isTransientCloneError(err, output),
				}
			}
			return nil
		})
	})
}

var transientGitMessages = []string{
	"could not resolve host",
	"connection refused",
	"connection reset",
	"timed out",
	"early eof",
	"rpc failed",
	"the remote end hung up",
	"temporary failure",
	"returned error: 5",
	"returned error: 429",
}

// isTransientCloneError decides whether a failed clone is worth retrying. git exits with 128 for fatal
// errors like a missing repository; those are only retried if the message points at the network.
func isTransientCloneError(err error, stderr string) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 128 {
		return true
	}

	stderr = strings.ToLower(stderr)
	for _, msg := range transientGitMessages {
		if strings.Contains(stderr, msg) {
			return true
		}
	}
	return false
}
