package recipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/cellar/pkg/logctx"
)

type parserCtx struct {
	ctx      context.Context
	filepath string
	recipes  []*Recipe
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func starlarkDict2env(dict *starlark.Dict, mode EnvMode, field string) (Environment, error) {
	if dict == nil {
		return nil, nil
	}

	result := make(Environment, 0, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in %s but only strings are supported", item[0].Type(), field)
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s in %s but only strings are supported", item[1].Type(), key.GoString(), field)
		}

		result = append(result, EnvVar{Name: key.GoString(), Value: value.GoString(), Mode: mode})
	}
	return result, nil
}

func position(thread *starlark.Thread) string {
	pos := thread.CallFrame(1).Pos
	return fmt.Sprintf("%s:%d:%d", getCtx(thread).filepath, pos.Line, pos.Col)
}

// * Builtin functions

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logctx.Log(getCtx(thread).ctx).Info().Msgf("%s: %s", position(thread), message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logctx.Log(getCtx(thread).ctx).Warn().Msgf("%s: %s", position(thread), message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var defaultValue string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &defaultValue)
	if err != nil {
		return nil, err
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		value = defaultValue
	}

	return starlark.String(value), nil
}

func starRecipe(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var install *starlark.List
	var env *starlark.Dict
	var envAppend *starlark.Dict
	var prependPath *starlark.Dict
	var url, sha256, checksum, head string

	ctx := getCtx(thread)
	r := &Recipe{File: ctx.filepath}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &r.Name, "desc?", &r.Desc, "homepage?", &r.Homepage,
		"license?", &r.License, "version?", &r.Version, "revision?", &r.Revision, "url?", &url, "sha256?", &sha256,
		"checksum?", &checksum, "head?", &head, "deps?", &deps, "env?", &env, "env_append?", &envAppend,
		"prepend_path?", &prependPath, "install?", &install)
	if err != nil {
		return nil, err
	}

	if sha256 != "" && checksum != "" {
		return nil, eris.New("only one of sha256 and checksum may be set")
	}

	if url != "" || sha256 != "" || checksum != "" {
		r.Archive = &Archive{URL: url}
		if sha256 != "" {
			checksum = SHA256 + ":" + sha256
		}
		if checksum != "" {
			r.Archive.Checksum, err = ParseChecksum(checksum)
			if err != nil {
				return nil, err
			}
		}
	}

	if head != "" {
		r.Head = &VersionControl{URL: head}
	}

	if deps != nil {
		iter := deps.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			switch value := item.(type) {
			case starlark.String:
				r.AddDependency(value.GoString(), StageRun)
			case starlark.Tuple:
				if len(value) != 2 {
					return nil, eris.Errorf("dependency tuples need exactly 2 items (name, stage) but got %d", len(value))
				}
				parts, err := starlarkIterable2stringSlice(value, "deps")
				if err != nil {
					return nil, err
				}

				stage, err := ParseStage(parts[1])
				if err != nil {
					return nil, err
				}
				r.AddDependency(parts[0], stage)
			default:
				return nil, eris.Errorf("%s: unexpected type %s in deps. Only strings and tuples are valid", fn.Name(), item.Type())
			}
		}
	}

	for _, section := range []struct {
		dict  *starlark.Dict
		mode  EnvMode
		field string
	}{
		{env, EnvSet, "env"},
		{envAppend, EnvAppend, "env_append"},
		{prependPath, EnvPrependPath, "prepend_path"},
	} {
		vars, err := starlarkDict2env(section.dict, section.mode, section.field)
		if err != nil {
			return nil, err
		}
		r.Env = append(r.Env, vars...)
	}

	if install != nil {
		iter := install.Iterate()
		defer iter.Done()

		var item starlark.Value
		idx := 0
		for iter.Next(&item) {
			var step []string
			switch value := item.(type) {
			case *starlark.List:
				step, err = starlarkIterable2stringSlice(value, fmt.Sprintf("install step #%d", idx))
			case starlark.Tuple:
				step, err = starlarkIterable2stringSlice(value, fmt.Sprintf("install step #%d", idx))
			default:
				err = eris.Errorf("%s: unexpected type %s for install step #%d. Only lists and tuples are valid", fn.Name(), item.Type(), idx)
			}
			if err != nil {
				return nil, err
			}

			r.InstallSteps = append(r.InstallSteps, Step(step))
			idx++
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	ctx.recipes = append(ctx.recipes, r)
	return starlark.String(r.Name), nil
}

// LoadStarlarkFile executes a Starlark recipe file and returns the recipes it declared
// through recipe() in declaration order.
func LoadStarlarkFile(ctx context.Context, filename string) ([]*Recipe, error) {
	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	return ParseStarlark(ctx, filename, script)
}

// ParseStarlark executes the given Starlark source. filename is used for error messages and positions.
func ParseStarlark(ctx context.Context, filename string, script []byte) ([]*Recipe, error) {
	builtins := starlark.StringDict{
		"OS":     starlark.String(runtime.GOOS),
		"ARCH":   starlark.String(runtime.GOARCH),
		"info":   starlark.NewBuiltin("info", starInfo),
		"warn":   starlark.NewBuiltin("warn", starWarn),
		"error":  starlark.NewBuiltin("error", starError),
		"getenv": starlark.NewBuiltin("getenv", getenv),
		"recipe": starlark.NewBuiltin("recipe", starRecipe),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			logctx.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:      ctx,
		filepath: filepath.ToSlash(filename),
		recipes:  make([]*Recipe, 0),
	}
	thread.SetLocal("parserCtx", &threadCtx)

	_, err := starlark.ExecFile(thread, threadCtx.filepath, script, builtins)
	if err != nil {
		reason := err.Error()
		if evalError, ok := err.(*starlark.EvalError); ok {
			reason = evalError.Backtrace()
		}

		var malformed *MalformedRecipe
		if errors.As(err, &malformed) {
			return nil, malformed
		}

		return nil, &MalformedRecipe{File: filename, Reason: reason}
	}

	return threadCtx.recipes, nil
}
