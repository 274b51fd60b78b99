// obshubctl is an interactive console over a DuckDB stream storage file.
//
// Usage:
//
//	obshubctl -db station.duckdb            # interactive console
//	obshubctl -db station.duckdb -c stores  # run one command
//	obshubctl -db station.duckdb < script   # run commands from stdin
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/storage/duckdb"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	dbPath := flag.String("db", "", "DuckDB storage file")
	command := flag.String("c", "", "run a single command and exit")
	verbose := flag.Bool("v", false, "log storage operations")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logging.InitWriter(os.Stderr, level, false)

	if *dbPath == "" {
		log.Fatal("-db is required")
	}

	cfg := duckdb.DefaultConfig()
	cfg.DSN = *dbPath
	cfg.Name = "obshubctl"

	store, err := duckdb.New(cfg)
	if err != nil {
		log.Fatalf("Open storage: %v", err)
	}
	if err := store.Start(context.Background()); err != nil {
		log.Fatalf("Open storage: %v", err)
	}

	c := newConsole(store, os.Stdout)
	code := 0
	switch {
	case *command != "":
		if err := c.execute(*command); err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(os.Stderr, "error:", err)
			code = 1
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		interactive(c, *dbPath)
	default:
		if err := runScript(c, os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			code = 1
		}
	}

	if err := store.Stop(); err != nil {
		log.Printf("Warning: close storage: %v", err)
		code = 1
	}
	os.Exit(code)
}

func interactive(c *console, path string) {
	fmt.Printf("obshubctl %s on %s. Type help for commands.\n", Version, path)

	p := prompt.New(
		func(line string) {
			if err := c.execute(line); err != nil && !errors.Is(err, errQuit) {
				fmt.Println("error:", err)
			}
		},
		completer,
		prompt.OptionPrefix("obshub> "),
		prompt.OptionTitle("obshubctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

// runScript executes one command per line and stops at the first error.
func runScript(c *console, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(text, "#") {
			continue
		}
		err := c.execute(text)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}
