// Package commands implements the airly command line tool.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/observability"
)

const cmdName = "airly"

// App is the airly command line application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig
	logger *zap.Logger
	err    error
}

// appConfig is decoded from flags, AIRLY_* env variables and an optional config file.
type appConfig struct {
	APIKey    string        `mapstructure:"api-key"`
	APIURL    string        `mapstructure:"api-url"`
	Language  string        `mapstructure:"language"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Verbosity int           `mapstructure:"verbose"`
}

// New creates the root command with every subcommand installed.
func New() (*App, error) {
	a := &App{viper: viper.New(), logger: zap.NewNop()}

	a.cmd = &cobra.Command{
		Use:           cmdName,
		Short:         "Query the Airly air quality API",
		Long:          "Query the Airly air quality API (installations, metadata and measurements) and print the JSON response.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return err
			}
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			if err := a.initConfig(); err != nil {
				return err
			}
			a.logger = newLogger(cmd, a.config.Verbosity)
			return nil
		},
	}
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	flags := a.cmd.PersistentFlags()
	flags.String("config", "", "use a specific configuration file")
	flags.String("api-key", "", "Airly API key (env AIRLY_API_KEY)")
	flags.String("api-url", client.DefaultBaseURL, "Airly API base URL (env AIRLY_API_URL)")
	flags.String("language", "en", "response language, en or pl")
	flags.Duration("timeout", 10*time.Second, "per-request timeout")
	flags.CountP("verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	if err := a.viper.BindPFlags(flags); err != nil {
		return nil, err
	}

	a.installInstallationCmds()
	a.installMetaCmds()
	a.installMeasurementsCmd()

	return a, nil
}

// Run executes the command line.
func (a *App) Run() error {
	a.err = a.cmd.Execute()
	return a.err
}

// UsageError reports whether the last error came from command parsing or from an
// argument or flag value rejected before any request was sent.
func (a *App) UsageError() bool {
	if !a.cmd.SilenceUsage {
		return true
	}
	var ue usageError
	return errors.As(a.err, &ue)
}

// usageError marks an invalid argument or flag value found after cobra parsing.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func badUsage(err error) error {
	if err == nil {
		return nil
	}
	return usageError{err: err}
}

// RootCmd returns the root command.
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

func (a *App) initConfig() error {
	if path, err := a.cmd.Flags().GetString("config"); err == nil && path != "" {
		a.viper.SetConfigFile(path)
		if err := a.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
	}
	a.viper.SetEnvPrefix(cmdName)
	a.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.viper.AutomaticEnv()

	if err := a.viper.Unmarshal(&a.config); err != nil {
		return fmt.Errorf("unable to decode configuration: %w", err)
	}
	return nil
}

func newLogger(cmd *cobra.Command, verbosity int) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case verbosity >= 2:
		level = zapcore.DebugLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(cmd.ErrOrStderr()), level)
	return zap.New(core)
}

// newClient builds an Airly client from the resolved configuration.
func (a *App) newClient() (*client.Client, error) {
	if a.config.APIKey == "" {
		return nil, errors.New("API key is required: set --api-key or AIRLY_API_KEY")
	}
	c, err := client.NewAirlyClient(a.config.APIKey, a.config.APIURL, a.config.Timeout)
	if err != nil {
		return nil, err
	}
	c.SetLanguage(a.config.Language)
	return c, nil
}

// call runs fn against a fresh client and prints its result as indented JSON.
func call[T any](a *App, cmd *cobra.Command, endpoint string, fn func(ctx context.Context, c *client.Client) (T, error)) error {
	c, err := a.newClient()
	if err != nil {
		return err
	}
	ctx := observability.ContextWithLogger(cmd.Context(), a.logger)
	start := time.Now()
	result, err := fn(ctx, c)
	if err != nil {
		a.logger.Debug("airly request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	q := c.Quota()
	a.logger.Info("airly request complete",
		zap.String("endpoint", endpoint),
		zap.Duration("duration", time.Since(start)),
		zap.Int("day_remaining", q.DayRemaining),
		zap.Int("minute_remaining", q.MinuteRemaining))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
