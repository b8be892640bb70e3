// Package fetch retrieves recipe sources into a work directory.
//
// Archives are downloaded into a temporary file, verified against their declared checksum and then unpacked
// into a staging directory next to the destination. The staging directory only replaces the destination once
// everything succeeded which means that a failed fetch never leaves a half populated destination behind.
package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/ngld/cellar/pkg/config"
	"github.com/ngld/cellar/pkg/logctx"
	"github.com/ngld/cellar/pkg/recipe"
)

// Fetcher downloads archives and clones repositories. The zero value isn't usable, use New().
type Fetcher struct {
	Transports map[string]Transport
	// Timeout limits a single download attempt
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
	Progress bool
	// Git is the git executable used for VersionControl sources
	Git string
}

// New builds a Fetcher from the fetch and s3 sections of the configuration.
func New(cfg *config.Config) *Fetcher {
	httpTransport := &HTTPTransport{
		Client: &http.Client{
			Timeout: cfg.Fetch.Timeout,
		},
	}

	return &Fetcher{
		Transports: map[string]Transport{
			"http":  httpTransport,
			"https": httpTransport,
			"file":  FileTransport{},
			"s3": &S3Transport{
				Endpoint: cfg.S3.Endpoint,
				Region:   cfg.S3.Region,
				Secure:   cfg.S3.Secure,
			},
		},
		Timeout:  cfg.Fetch.Timeout,
		Retries:  cfg.Fetch.Retries,
		Backoff:  cfg.Fetch.Backoff,
		Progress: cfg.Fetch.Progress,
		Git:      cfg.Fetch.Git,
	}
}

func (f *Fetcher) getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if !f.Progress || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// withRetry calls fn until it succeeds, fails with a permanent error or runs out of attempts.
// The delay between attempts doubles every time.
func (f *Fetcher) withRetry(ctx context.Context, location string, fn func(ctx context.Context) error) error {
	attempts := f.Retries
	if attempts < 1 {
		attempts = 1
	}
	delay := f.Backoff

	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if f.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		}

		err := fn(attemptCtx)
		cancel()
		if err == nil || !IsRetryable(err) || attempt >= attempts {
			return err
		}

		logctx.Log(ctx).Warn().
			Err(err).
			Str("url", location).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msgf("Retrying %s", location)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &NetworkError{URL: location, Err: ctx.Err()}
		case <-timer.C:
		}

		delay *= 2
	}
}

// Download writes the content behind rawURL to w and returns the number of bytes written.
// w is truncated between attempts if it supports it.
func (f *Fetcher) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}

	transport, ok := f.Transports[u.Scheme]
	if !ok {
		return 0, &NetworkError{URL: rawURL, Err: eris.Errorf("unsupported URL scheme %q", u.Scheme)}
	}

	var written int64
	err = f.withRetry(ctx, rawURL, func(ctx context.Context) error {
		if seeker, ok := w.(interface {
			io.Seeker
			Truncate(int64) error
		}); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if err := seeker.Truncate(0); err != nil {
				return err
			}
		}
		if resetter, ok := w.(hash.Hash); ok {
			resetter.Reset()
		}

		body, length, err := transport.Open(ctx, u)
		if err != nil {
			return err
		}
		defer body.Close()

		bar := f.getProgressBar(length, "     download")
		written, err = io.Copy(io.MultiWriter(w, bar), body)
		bar.Finish()
		if err != nil {
			return &NetworkError{URL: rawURL, Err: err, Temporary: !errors.Is(ctx.Err(), context.Canceled)}
		}

		return nil
	})

	return written, err
}

// Fetch retrieves src into dest. dest is created if it doesn't exist yet. On error, dest is left the way it was.
func (f *Fetcher) Fetch(ctx context.Context, src recipe.Source, dest string) error {
	switch s := src.(type) {
	case *recipe.Archive:
		return f.fetchArchive(ctx, s, dest)
	case *recipe.VersionControl:
		return f.fetchRepo(ctx, s, dest)
	case nil:
		return eris.New("no source to fetch")
	default:
		return eris.Errorf("unsupported source type %T", src)
	}
}

func (f *Fetcher) fetchArchive(ctx context.Context, src *recipe.Archive, dest string) error {
	if src.Checksum == nil {
		logctx.Log(ctx).Warn().Msgf("%s has no checksum, skipping verification", src.URL)
	}

	dlHandle, err := os.CreateTemp("", "cellar-dl-*")
	if err != nil {
		return eris.Wrap(err, "Failed to create download file")
	}
	defer func() {
		dlHandle.Close()
		os.Remove(dlHandle.Name())
	}()

	_, err = f.Download(ctx, src.URL, dlHandle)
	if err != nil {
		return err
	}

	err = f.verify(dlHandle, src)
	if err != nil {
		return err
	}

	name := archiveName(src.URL)
	return f.stage(dest, func(staging string) error {
		_, err := dlHandle.Seek(0, io.SeekStart)
		if err != nil {
			return &ExtractionError{Archive: name, Err: err}
		}

		extractor := getExtractor(name)
		if extractor == nil {
			logctx.Log(ctx).Debug().Msgf("%s is not a known archive type, copying it as is", name)
			err = copyRaw(dlHandle, staging, name)
		} else {
			var info os.FileInfo
			info, err = dlHandle.Stat()
			if err != nil {
				return &ExtractionError{Archive: name, Err: err}
			}

			bar := f.getProgressBar(info.Size(), "      extract")
			err = extractor(dlHandle, bar, staging)
			bar.Finish()
		}

		if err != nil {
			return &ExtractionError{Archive: name, Err: err}
		}
		return nil
	})
}

func (f *Fetcher) verify(handle *os.File, src *recipe.Archive) error {
	if src.Checksum == nil {
		return nil
	}

	hasher, err := NewHash(src.Checksum.Algorithm)
	if err != nil {
		return err
	}

	_, err = handle.Seek(0, io.SeekStart)
	if err != nil {
		return eris.Wrap(err, "Failed to rewind download")
	}

	_, err = io.Copy(hasher, handle)
	if err != nil {
		return eris.Wrap(err, "Failed to calculate checksum")
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != src.Checksum.Hex {
		return &ChecksumMismatch{
			URL:       src.URL,
			Algorithm: src.Checksum.Algorithm,
			Expected:  src.Checksum.Hex,
			Actual:    actual,
		}
	}

	return nil
}

// stage runs fill on an empty staging directory next to dest and moves the result into dest afterwards.
// If the staging directory ends up with a single directory in it, that directory's content is used instead.
func (f *Fetcher) stage(dest string, fill func(staging string) error) error {
	parent := filepath.Dir(dest)
	err := os.MkdirAll(parent, 0o770)
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", parent)
	}

	staging, err := os.MkdirTemp(parent, ".cellar-staging-*")
	if err != nil {
		return eris.Wrap(err, "Failed to create staging directory")
	}
	defer os.RemoveAll(staging)

	err = fill(staging)
	if err != nil {
		return err
	}

	root := staging
	entries, err := os.ReadDir(staging)
	if err != nil {
		return eris.Wrapf(err, "Failed to read %s", staging)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(staging, entries[0].Name())
	}

	return moveTree(root, dest)
}

// moveTree moves src to dest. If dest already exists, the entries of src are moved into it instead. Conflicting
// entries abort the move and everything moved so far is put back.
func moveTree(src, dest string) error {
	_, err := os.Stat(dest)
	if os.IsNotExist(err) {
		err = os.Rename(src, dest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", src, dest)
		}
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "Failed to check %s", dest)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to read %s", src)
	}

	moved := make([]string, 0, len(entries))
	for _, entry := range entries {
		target := filepath.Join(dest, entry.Name())
		if _, err := os.Lstat(target); err == nil {
			err = eris.Errorf("%s already exists", target)
			rollback(src, dest, moved)
			return err
		}

		err = os.Rename(filepath.Join(src, entry.Name()), target)
		if err != nil {
			rollback(src, dest, moved)
			return eris.Wrapf(err, "Failed to move %s into %s", entry.Name(), dest)
		}
		moved = append(moved, entry.Name())
	}

	return nil
}

func rollback(src, dest string, moved []string) {
	for _, name := range moved {
		os.Rename(filepath.Join(dest, name), filepath.Join(src, name))
	}
}

// RepoName returns the directory name a clone of rawURL would get
func RepoName(rawURL string) string {
	return strings.TrimSuffix(archiveName(rawURL), ".git")
}
