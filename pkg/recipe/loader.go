package recipe

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ngld/cellar/pkg/logctx"
)

// Loader reads recipe files from disk
type Loader struct {
	// CacheDir stores parsed Starlark files. Caching is disabled if it's empty.
	CacheDir string
}

// IsRecipeFile reports whether the file name has one of the supported recipe extensions
func IsRecipeFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml", ".star":
		return true
	}
	return false
}

// LoadFile parses a single recipe file
func (l *Loader) LoadFile(ctx context.Context, file string) ([]*Recipe, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yml", ".yaml":
		return LoadYAMLFile(file)
	case ".star":
		return l.loadStarlark(ctx, file)
	}

	return nil, &MalformedRecipe{File: file, Reason: "unsupported file type"}
}

func (l *Loader) loadStarlark(ctx context.Context, file string) ([]*Recipe, error) {
	if l.CacheDir == "" {
		return LoadStarlarkFile(ctx, file)
	}

	stamp, err := cacheStamp(file)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to check %s", file)
	}

	cacheFile := cachePath(l.CacheDir, file)
	cachedStamp, recipes, err := ReadCache(cacheFile)
	if err == nil && cachedStamp == stamp {
		logctx.Log(ctx).Debug().Str("path", file).Msg("using cached recipes")
		return recipes, nil
	}

	recipes, err = LoadStarlarkFile(ctx, file)
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(l.CacheDir, 0o770)
	if err == nil {
		err = WriteCache(cacheFile, stamp, recipes)
	}
	if err != nil {
		logctx.Log(ctx).Warn().Err(err).Str("path", cacheFile).Msg("failed to update recipe cache")
	}

	return recipes, nil
}

// LoadDir reads every recipe file in dir (not recursive) in lexical order and returns them as a batch
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Batch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read recipe directory %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && IsRecipeFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	batch := &Batch{}
	for _, name := range names {
		recipes, err := l.LoadFile(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		for _, r := range recipes {
			if err := batch.Add(r); err != nil {
				return nil, err
			}
		}
	}

	logctx.Log(ctx).Debug().Msgf("loaded %d recipes from %s", batch.Len(), dir)
	return batch, nil
}
