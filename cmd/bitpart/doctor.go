package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"bitpart/internal/config"
	"bitpart/internal/control"
	"bitpart/internal/domain"
	"bitpart/internal/interpreter"
	"bitpart/internal/registry"
	"bitpart/internal/storage"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Bitpart installation",
		Long: `Verifies that the configuration is valid, the database opens with the
configured key at the current schema version and the interpreter and
control plane address are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Bitpart Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'bitpart init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Read(cfgPath)
			if err != nil {
				printFail("Config", err.Error())
				return fmt.Errorf("unreadable config")
			}
			applyOverrides(cfg)
			if err := config.Validate(cfg); err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			// 3. Database opens with the key, at the latest schema
			if _, err := os.Stat(cfg.Database.Path); err != nil {
				printWarn("Database", fmt.Sprintf("%s does not exist yet; the server creates it", cfg.Database.Path))
				warned++
			} else if schema, err := checkDatabase(ctx, cfg.Database); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s (key ok)", cfg.Database.Path))
				passed++
				switch latest := storage.LatestSchemaVersion(); {
				case schema == latest:
					printPass("Schema version", fmt.Sprintf("%d", schema))
					passed++
				case schema < latest:
					printWarn("Schema version", fmt.Sprintf("%d, migrates to %d on next start", schema, latest))
					warned++
				default:
					printFail("Schema version", fmt.Sprintf("%d is newer than this binary (%d)", schema, latest))
					failed++
				}
			}

			// 4. Interpreter
			if cfg.Interpreter.URL == "" {
				printWarn("Interpreter", "not configured, replies echo the inbound text")
				warned++
			} else if h, err := interpreter.NewHTTP(interpreter.HTTPConfig{URL: cfg.Interpreter.URL, APIKey: cfg.Interpreter.APIKey, Timeout: cfg.Interpreter.Timeout(), Logger: logger}); err != nil {
				printFail("Interpreter", err.Error())
				failed++
			} else if err := h.Healthy(ctx); err != nil {
				printFail("Interpreter", err.Error())
				failed++
			} else {
				printPass("Interpreter", cfg.Interpreter.URL)
				passed++
			}

			// 5. Bot definitions
			if cfg.Bots.Dir != "" {
				if n, err := checkBotsDir(cfg.Bots.Dir); err != nil {
					printWarn("Bots directory", err.Error())
					warned++
				} else {
					printPass("Bots directory", fmt.Sprintf("%s (%d definitions)", cfg.Bots.Dir, n))
					passed++
				}
			}

			// 6. Control plane address
			if err := checkBind(cfg.Server.Bind); err != nil {
				printWarn("Control plane", fmt.Sprintf("%s may be in use: %v", cfg.Server.Bind, err))
				warned++
			} else {
				printPass("Control plane", fmt.Sprintf("%s available", cfg.Server.Bind))
				passed++
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o700); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Bitpart.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nBitpart should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Bitpart is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase checks the configured key against the database without
// migrating it and returns its schema version.
func checkDatabase(ctx context.Context, cfg config.DatabaseConfig) (int, error) {
	version, err := storage.Inspect(ctx, cfg.Path, cfg.Key)
	if errors.Is(err, domain.ErrWrongKey) {
		return 0, fmt.Errorf("database.key does not match the key the database was created with")
	}
	return version, err
}

func checkBotsDir(dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("not found: %s", dir)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && registry.IsDefinitionFile(e.Name()) {
			n++
		}
	}
	return n, nil
}

func checkBind(bind string) error {
	if control.IsUnixSocket(bind) {
		if _, err := os.Stat(bind); err == nil {
			return fmt.Errorf("socket file exists")
		}
		return nil
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
