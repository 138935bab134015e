// Package main is the entry point for mpuledger-meta, the ledger
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/bleepstore/mpuledger/internal/serialization"
)

const usage = "Usage: mpuledger-meta <export|import> [flags]"

// resolveDBPath returns the SQLite ledger path named by the config file.
func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Ledger.Engine != "sqlite" {
		return "", fmt.Errorf("ledger engine is %q; only sqlite ledgers can be exported", cfg.Ledger.Engine)
	}
	return cfg.Ledger.SQLite.Path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func dbFromFlags(dbPath, configPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	db, err := resolveDBPath(configPath)
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	return db, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "mpuledger.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite ledger path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names (uploads, parts)")
	fs.Parse(args)

	db, err := dbFromFlags(*dbPath, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	opts := &serialization.ExportOptions{Tables: serialization.AllTables}
	if *tables != "" {
		opts.Tables = nil
		for _, t := range strings.Split(*tables, ",") {
			t = strings.TrimSpace(t)
			if !serialization.ValidTable(t) {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s\n", t)
				return 1
			}
			opts.Tables = append(opts.Tables, t)
		}
	}

	data, err := serialization.Export(context.Background(), db, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if *output == "-" {
		os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "mpuledger.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite ledger path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db, err := dbFromFlags(*dbPath, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var data []byte
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.Import(context.Background(), db, data, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		skip := result.Skipped[table]
		if !ok && skip == 0 {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
