package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/mkb/internal"
	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/mcpserver"
	"github.com/starford/mkb/internal/query"
	pkgconfig "github.com/starford/mkb/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	configPath := cmd.String("config")
	if _, err := os.Stat(configPath); err == nil {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if vaultPath := cmd.String("vault"); vaultPath != "" {
		cfg.Vault.Path = vaultPath
	}
	return cfg, nil
}

// bootstrap builds the core for one-shot commands with a quiet logger.
func bootstrap(cmd *cli.Command) (*internal.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := internal.NewLogger(slog.LevelWarn)
	return internal.Bootstrap(cfg, logger)
}

// exitErr maps the error taxonomy onto the CLI exit-code contract.
func exitErr(err error) error {
	if err == nil {
		return nil
	}
	return cli.Exit(err.Error(), apperr.ExitCode(err))
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitErr(err)
	}
	return exitErr(internal.Run(ctx, internal.WithConfig(cfg)))
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()

	if err := app.Service.Sync(ctx); err != nil {
		return exitErr(err)
	}

	if timeout := cmd.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := app.Executor.Query(ctx, cmd.Args().First())
	if err != nil {
		return exitErr(err)
	}
	out, err := query.FormatResult(result, query.Format(cmd.String("format")))
	if err != nil {
		return exitErr(err)
	}
	fmt.Println(out)
	return nil
}

func contextAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()

	if err := app.Service.Sync(ctx); err != nil {
		return exitErr(err)
	}

	result, err := app.Executor.Query(ctx, cmd.Args().First())
	if err != nil {
		return exitErr(err)
	}
	window := int(cmd.Int("window"))
	if window == 0 {
		window = result.Formatting.Window
	}
	if window == 0 {
		window = 4000
	}
	assembled := query.Assemble(result.Docs, query.AssembleOpts{
		Window: window,
		Format: result.Formatting.Format,
	})
	if assembled.Diagnostic != "" {
		fmt.Fprintln(os.Stderr, "warning:", assembled.Diagnostic)
	}
	fmt.Println(assembled.Text)
	return nil
}

func rebuildAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()
	if err := app.Service.Rebuild(ctx); err != nil {
		return exitErr(err)
	}
	fmt.Println("index rebuilt")
	return nil
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()
	report, err := app.Store.SweepStale(ctx, time.Now())
	if err != nil {
		return exitErr(err)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	return nil
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()

	drift, err := app.Service.Check(ctx)
	if err != nil {
		return exitErr(err)
	}
	if drift == nil {
		fmt.Println("index and vault agree")
		return nil
	}
	fmt.Println(drift.Error())
	if cmd.Bool("fix") {
		if err := app.Service.Reindex(ctx, drift.Missing); err != nil {
			return exitErr(err)
		}
		fmt.Printf("reindexed %d file(s)\n", len(drift.Missing))
		return nil
	}
	return cli.Exit("run with --fix to reindex", apperr.ExitQueryRuntime)
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	app, err := bootstrap(cmd)
	if err != nil {
		return exitErr(err)
	}
	defer app.Close()
	if err := app.Service.Sync(ctx); err != nil {
		return exitErr(err)
	}
	return exitErr(mcpserver.New(app.Service).ServeStdio())
}

func main() {
	cmd := &cli.Command{
		Name:  "mkb",
		Usage: "File-system-native knowledge base with mandatory temporal grounding and an MKQL query engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("MKB_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault root directory (overrides config)",
				Sources: cli.EnvVars("MKB_VAULT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the watcher, sweeper, and HTTP API",
				Action: serveAction,
			},
			{
				Name:      "query",
				Usage:     "Run an MKQL query",
				ArgsUsage: "'SELECT ... FROM ...'",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "table", Usage: "Output format: json, table, markdown"},
					&cli.DurationFlag{Name: "timeout", Usage: "Per-query deadline"},
				},
				Action: queryAction,
			},
			{
				Name:      "context",
				Usage:     "Run an MKQL query and assemble a token-budgeted context block",
				ArgsUsage: "'SELECT ... FROM ... CONTEXT WINDOW 4000'",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "window", Usage: "Token budget (overrides the CONTEXT clause)"},
				},
				Action: contextAction,
			},
			{
				Name:   "rebuild",
				Usage:  "Rebuild the index from the vault",
				Action: rebuildAction,
			},
			{
				Name:   "sweep",
				Usage:  "Recompute decay, mark stale documents, archive expired ones",
				Action: sweepAction,
			},
			{
				Name:  "check",
				Usage: "Verify the index matches the vault",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "fix", Usage: "Reindex files missing from the index"},
				},
				Action: checkAction,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MKB tools over MCP stdio",
				Action: mcpAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		code := apperr.ExitUserError
		if coder, ok := err.(cli.ExitCoder); ok {
			code = coder.ExitCode()
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
