package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/auth"
	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/logging"
	"github.com/KevinKickass/OpenCellCycler/internal/system"
	"github.com/KevinKickass/OpenCellCycler/internal/testplan"
	"github.com/KevinKickass/OpenCellCycler/internal/tui"
)

const tuiLogFile = "cellcycler.log"

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("cellcycler", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the YAML config file")
	fs.Bool("simulate", false, "run against the built-in hardware simulator")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.StringSlice("test", nil, "test description file (repeatable)")
	showTUI := fs.Bool("tui", false, "show the terminal dashboard")
	hashKey := fs.Bool("hash-key", false, "read an operator key from stdin and print its hash for auth.operator_key_hash")
	newToken := fs.Bool("new-machine-token", false, "print a new machine token and its hash for auth.machine_token_hashes")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	switch {
	case *hashKey:
		return printKeyHash()
	case *newToken:
		return printMachineToken()
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *showTUI && onlyStderr(cfg.Logging.OutputPaths) {
		cfg.Logging.OutputPaths = []string{tuiLogFile}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	loader, err := testplan.NewLoader()
	if err != nil {
		logger.Error("Failed to create test loader", zap.Error(err))
		return 1
	}
	tests, err := loader.LoadAll(cfg.Tests.Files, cfg.DefaultDevice())
	if err != nil {
		logger.Error("Failed to load tests", zap.Error(err))
		return 1
	}
	if len(tests) == 0 {
		logger.Error("No tests configured, use --test or tests.files")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, tests, logger)
	if err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		return 1
	}

	var program *tea.Program
	if *showTUI {
		program = tea.NewProgram(tui.NewModel(lifecycle), tea.WithAltScreen())
		go func() {
			if _, err := program.Run(); err != nil {
				logger.Error("Dashboard failed", zap.Error(err))
			}
			// Leaving the dashboard stops the tests.
			stop()
		}()
	}

	runErr := lifecycle.Run(ctx)

	if program != nil {
		program.Quit()
		program.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("OpenCellCycler stopped on fatal error", zap.Error(runErr))
		if program != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", runErr)
		}
		return 1
	}

	logger.Info("OpenCellCycler stopped successfully")
	return 0
}

func onlyStderr(paths []string) bool {
	return len(paths) == 0 || (len(paths) == 1 && paths[0] == "stderr")
}

func printKeyHash() int {
	fmt.Fprint(os.Stderr, "Operator key: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "Failed to read key: %v\n", err)
		return 1
	}
	key := strings.TrimRight(line, "\r\n")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Empty key")
		return 1
	}

	hash, err := auth.NewKeyHasher().Hash(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash key: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func printMachineToken() int {
	token, digest, err := auth.GenerateMachineToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	fmt.Printf("token: %s\nhash:  %s\n", token, digest)
	return 0
}
