package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/chatrelay/internal/config"
	"github.com/hpungsan/chatrelay/internal/db"
	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/mcp"
	"github.com/hpungsan/chatrelay/internal/web"
)

// newCLIApp creates the CLI application with all commands. defaultBaseDir is
// used when neither --base-dir nor CHATRELAY_HOME is set.
func newCLIApp(defaultBaseDir string) *cli.App {
	app := &cli.App{
		Name:    "chatrelay",
		Usage:   "Rate-limited chat relay for OpenAI-compatible models",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-dir",
				EnvVars: []string{"CHATRELAY_HOME"},
				Value:   defaultBaseDir,
				Usage:   "Directory holding config.json and the error log database",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			mcpCmd(),
			configCmd(),
			errorsCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// loadConfig reads config for the --base-dir in effect.
func loadConfig(c *cli.Context) (*config.Config, string, error) {
	baseDir := c.String("base-dir")
	if baseDir == "" {
		return nil, "", errors.NewInvalidRequest("base directory is not set (use --base-dir or CHATRELAY_HOME)")
	}
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, "", err
	}
	return cfg, baseDir, nil
}

// checkConfig validates cfg, logging warnings and returning the errors.
func checkConfig(cfg *config.Config, logger *slog.Logger) error {
	res := cfg.Validate(true)
	for _, w := range res.Warnings {
		logger.Warn("config", slog.String("warning", w))
	}
	return res.Err()
}

// serveCmd creates the serve command.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Aliases: []string{"b"}, Usage: "Interface to listen on (overrides config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on (overrides config and PORT)"},
		},
		Action: func(c *cli.Context) error {
			cfg, baseDir, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}
			if bind := c.String("bind"); bind != "" {
				cfg.Bind = bind
			}
			if c.IsSet("port") {
				cfg.Port = c.Int("port")
			}

			logger := newLogger(cfg.Environment, os.Stderr)
			slog.SetDefault(logger)
			if err := checkConfig(cfg, logger); err != nil {
				return outputError(err)
			}

			a, err := wireApp(baseDir, cfg, logger, nil)
			if err != nil {
				return outputError(err)
			}
			defer a.close()
			a.start(c.Context)

			srv, err := web.NewServer(a.svc, cfg, Version, logger)
			if err != nil {
				return outputError(err)
			}
			if err := web.Run(c.Context, srv, logger); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the relay as MCP tools over stdio",
		Action: func(c *cli.Context) error {
			cfg, baseDir, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}

			logger := newLogger(cfg.Environment, os.Stderr)
			slog.SetDefault(logger)
			if err := checkConfig(cfg, logger); err != nil {
				return outputError(err)
			}
			if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
				logger.Warn("unknown tools in disabled_tools", slog.Any("tools", unknown))
			}

			a, err := wireApp(baseDir, cfg, logger, nil)
			if err != nil {
				return outputError(err)
			}
			defer a.close()
			a.start(c.Context)

			if err := mcp.Run(a.svc, cfg, Version); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// configShowOutput is the output of "config show".
type configShowOutput struct {
	BaseDir   string         `json:"base_dir"`
	APIKeySet bool           `json:"api_key_set"`
	Config    *config.Config `json:"config"`
}

// configValidateOutput is the output of "config validate".
type configValidateOutput struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// configCmd creates the config command.
func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration (the API key is never printed)",
				Action: func(c *cli.Context) error {
					cfg, baseDir, err := loadConfig(c)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(configShowOutput{
						BaseDir:   baseDir,
						APIKeySet: cfg.APIKey != "",
						Config:    cfg,
					})
				},
			},
			{
				Name:  "validate",
				Usage: "Check the configuration and report errors and warnings",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "require-key", Value: true, Usage: "Treat a missing OPENAI_API_KEY as an error"},
				},
				Action: func(c *cli.Context) error {
					cfg, _, err := loadConfig(c)
					if err != nil {
						return outputError(err)
					}
					res := cfg.Validate(c.Bool("require-key"))
					out := configValidateOutput{
						Valid:    res.Valid(),
						Errors:   nonNil(res.Errors),
						Warnings: nonNil(res.Warnings),
					}
					if err := outputJSON(out); err != nil {
						return err
					}
					if !res.Valid() {
						return outputError(res.Err())
					}
					return nil
				},
			},
		},
	}
}

// errorListOutput is the output of "errors list".
type errorListOutput struct {
	Errors []db.ErrorEntry `json:"errors"`
	Count  int             `json:"count"`
}

// errorPurgeOutput is the output of "errors purge".
type errorPurgeOutput struct {
	Purged int64 `json:"purged"`
}

// errorsCmd creates the errors command.
func errorsCmd() *cli.Command {
	return &cli.Command{
		Name:  "errors",
		Usage: "Inspect the persistent upstream error log",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recorded errors, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Only entries of this kind (e.g., AI_RATE_LIMIT)"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: db.DefaultListLimit, Usage: "Maximum entries to return"},
				},
				Action: func(c *cli.Context) error {
					_, baseDir, err := loadConfig(c)
					if err != nil {
						return outputError(err)
					}
					database, err := db.Init(baseDir)
					if err != nil {
						return outputError(err)
					}
					defer database.Close()

					entries, err := db.ListErrors(c.Context, database, db.ListFilter{
						Kind:  c.String("kind"),
						Limit: c.Int("limit"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(errorListOutput{Errors: entries, Count: len(entries)})
				},
			},
			{
				Name:  "purge",
				Usage: "Delete recorded errors older than a number of days",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "older-than", Value: "30d", Usage: "Age threshold in days (e.g., 7d); 0d purges everything"},
				},
				Action: func(c *cli.Context) error {
					days, err := parseDuration(c.String("older-than"))
					if err != nil {
						return outputError(errors.NewInvalidRequest(err.Error()))
					}
					_, baseDir, err := loadConfig(c)
					if err != nil {
						return outputError(err)
					}
					database, err := db.Init(baseDir)
					if err != nil {
						return outputError(err)
					}
					defer database.Close()

					cutoff := time.Now().AddDate(0, 0, -days)
					n, err := db.PurgeErrors(c.Context, database, cutoff)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(errorPurgeOutput{Purged: n})
				},
			},
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if rErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", rErr.Code, rErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
