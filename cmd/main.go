package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/config"
	"github.com/ngld/cellar/pkg/executor"
	"github.com/ngld/cellar/pkg/logctx"
	"github.com/ngld/cellar/pkg/receipts"
	"github.com/ngld/cellar/pkg/recipe"
)

// exitError makes Execute() exit with a specific code. A nil err means that everything worth saying has
// already been printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func configError(err error) error {
	return &exitError{code: 2, err: err}
}

var (
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cellar",
	Short: "Builds and installs software from recipes",
	Long: `cellar reads recipes (YAML or Starlark files) from the configured recipe directory,
resolves their dependencies and installs them into a shared prefix.

Configuration is read from cellar.toml (or the file passed with --config) and
CELLAR_* environment variables.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfgFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		var files []string
		if cfgFile != "" {
			files = append(files, cfgFile)
		}

		cfg, err = config.Load(files...)
		if err != nil {
			return configError(err)
		}

		if cmd.Flags().Changed("prefix") {
			cfg.Prefix, err = cmd.Flags().GetString("prefix")
			if err != nil {
				return err
			}
		}

		var out io.Writer = NewConsoleWriter()
		if cfg.Log.JSON {
			out = os.Stderr
		}

		logger = zerolog.New(out).Level(cfg.LogLevel()).With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file to read instead of cellar.toml")
	rootCmd.PersistentFlags().String("prefix", "", "install prefix (overrides the prefix config option)")
}

// commandContext returns a context carrying the logger that is cancelled on SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	ctx := logctx.WithLogger(context.Background(), &logger)
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func loadRecipes(ctx context.Context) (*recipe.Batch, error) {
	loader := recipe.Loader{CacheDir: cfg.Cache}
	batch, err := loader.LoadDir(ctx, cfg.Recipes)
	if err != nil {
		return nil, configError(err)
	}

	return batch, nil
}

func getRecipe(batch *recipe.Batch, name string) (*recipe.Recipe, error) {
	r, ok := batch.Get(name)
	if !ok {
		return nil, configError(eris.Errorf("no recipe named %s in %s", name, cfg.Recipes))
	}
	return r, nil
}

// openReceipts opens the receipt database. If mustExist is set and there is no database yet, nil is returned
// instead of creating one.
func openReceipts(mustExist bool) (*receipts.Store, error) {
	dbPath := cfg.ReceiptsPath()
	if mustExist {
		_, err := os.Stat(dbPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}

	return receipts.Open(dbPath)
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	code := 1
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		code = exitErr.code
		err = exitErr.err
	} else if executor.IsConfigurationError(err) {
		code = 2
	}

	if err != nil {
		pkg.PrintError(eris.ToString(err, debugEnabled()))
	}
	os.Exit(code)
}
