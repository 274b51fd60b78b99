package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/codec"
	"github.com/xtxerr/obshub/internal/storage/duckdb"
	"github.com/xtxerr/obshub/internal/storage/parquet"
	"github.com/xtxerr/obshub/internal/storage/retention"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	args  int // minimum number of arguments
	run   func(c *console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":      {"help", "list commands", 0, (*console).help},
		"stores":    {"stores", "record stores with counts and time ranges", 0, (*console).stores},
		"records":   {"records <store> [limit]", "print records of a store", 1, (*console).records},
		"export":    {"export <store> <file>", "write a store as a length-delimited record stream", 2, (*console).export},
		"history":   {"history", "description history", 0, (*console).history},
		"fois":      {"fois", "features of interest and their extent", 0, (*console).fois},
		"producers": {"producers", "producers with their own data store", 0, (*console).producers},
		"plan":      {"plan <max-age>", "count records a max-age purge would delete", 1, (*console).plan},
		"purge":     {"purge <max-age>", "delete records older than max-age before the latest", 1, (*console).purge},
		"backup":    {"backup <file> [compression]", "write a Parquet backup", 1, (*console).backup},
		"restore":   {"restore <file>", "load a Parquet backup", 1, (*console).restore},
		"sql":       {"sql <query>", "run an ad-hoc query", 1, (*console).sql},
		"exit":      {"exit", "leave the console", 0, (*console).quit},
	}
}

// console runs commands against one storage file.
type console struct {
	store   *duckdb.Storage
	out     io.Writer
	timeout time.Duration
}

func newConsole(store *duckdb.Storage, out io.Writer) *console {
	return &console{store: store, out: out, timeout: time.Minute}
}

// execute runs one command line. Unknown commands and usage errors are
// returned, not printed.
func (c *console) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name := fields[0]
	if name == "quit" {
		name = "exit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}

	args := fields[1:]
	if name == "sql" && len(args) > 0 {
		args = []string{strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))}
	}
	if len(args) < cmd.args {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(c, args)
}

func (c *console) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *console) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

// completer suggests command names for the first word.
func completer(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	suggests := make([]prompt.Suggest, 0, len(commands))
	for _, name := range slices.Sorted(maps.Keys(commands)) {
		suggests = append(suggests, prompt.Suggest{Text: name, Description: commands[name].help})
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

// =============================================================================
// Commands
// =============================================================================

func (c *console) help(_ []string) error {
	w := c.table()
	for _, name := range slices.Sorted(maps.Keys(commands)) {
		fmt.Fprintf(w, "%s\t%s\n", commands[name].usage, commands[name].help)
	}
	return w.Flush()
}

func (c *console) quit(_ []string) error {
	return errQuit
}

func (c *console) stores(_ []string) error {
	ctx, cancel := c.context()
	defer cancel()

	stores, err := c.store.RecordStores(ctx)
	if err != nil {
		return err
	}

	w := c.table()
	fmt.Fprintln(w, "STORE\tRECORDS\tBEGIN\tEND")
	for _, name := range storage.SortedStoreNames(stores) {
		n, err := c.store.NumRecords(ctx, name)
		if err != nil {
			return err
		}
		tr, ok, err := c.store.RecordsTimeRange(ctx, name)
		if err != nil {
			return err
		}
		begin, end := "-", "-"
		if ok {
			begin, end = formatTime(tr.Begin), formatTime(tr.End)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, n, begin, end)
	}
	return w.Flush()
}

func (c *console) records(args []string) error {
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	ctx, cancel := c.context()
	defer cancel()

	it, err := c.store.Records(ctx, storage.DataFilter{Stores: []string{args[0]}, Limit: limit})
	if err != nil {
		return err
	}

	w := c.table()
	fmt.Fprintln(w, "TIME\tPRODUCER\tFOI\tRECORD")
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", formatTime(e.Key.Timestamp), e.Key.ProducerUID, e.Key.FoiUID, e.Record)
	}
	return w.Flush()
}

func (c *console) export(args []string) error {
	ctx, cancel := c.context()
	defer cancel()

	it, err := c.store.Records(ctx, storage.DataFilter{Stores: []string{args[0]}})
	if err != nil {
		return err
	}

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	cw := codec.NewWriter(f)
	n := 0
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return err
		}
		if err := cw.Write(e.Record); err != nil {
			return err
		}
		n++
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "exported %d records to %s\n", n, args[1])
	return nil
}

func (c *console) history(_ []string) error {
	ctx, cancel := c.context()
	defer cancel()

	history, err := c.store.DescriptionHistory(ctx)
	if err != nil {
		return err
	}

	w := c.table()
	fmt.Fprintln(w, "VALID\tUID\tNAME")
	for _, d := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\n", formatTime(d.ValidTime), d.UID, d.Name)
	}
	return w.Flush()
}

func (c *console) fois(_ []string) error {
	ctx, cancel := c.context()
	defer cancel()

	ids, err := c.store.FoiIDs(ctx)
	if err != nil {
		return err
	}
	extent, err := c.store.FoisSpatialExtent(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Fprintln(c.out, id)
	}
	if extent.IsEmpty() {
		fmt.Fprintf(c.out, "%d features, no location\n", len(ids))
	} else {
		fmt.Fprintf(c.out, "%d features within [%g %g, %g %g]\n",
			len(ids), extent.MinX, extent.MinY, extent.MaxX, extent.MaxY)
	}
	return nil
}

func (c *console) producers(_ []string) error {
	ctx, cancel := c.context()
	defer cancel()

	ids, err := c.store.ProducerIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(c.out, id)
	}
	return nil
}

func maxAgePolicy(arg string) (*retention.MaxAgePolicy, error) {
	d, err := time.ParseDuration(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid max age %q: %w", arg, err)
	}
	return retention.NewMaxAgePolicy(d)
}

func (c *console) plan(args []string) error {
	policy, err := maxAgePolicy(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := c.context()
	defer cancel()

	n, err := policy.Plan(ctx, c.store)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d records older than %s\n", n, policy.MaxRecordAge)
	return nil
}

func (c *console) purge(args []string) error {
	policy, err := maxAgePolicy(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := c.context()
	defer cancel()

	n, err := policy.Trim(ctx, c.store, logging.Component("obshubctl"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted %d records\n", n)
	return nil
}

func (c *console) backup(args []string) error {
	opts := parquet.DefaultOptions()
	if len(args) > 1 {
		opts.Compression = parquet.ParseCompressionType(args[1])
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := c.context()
	defer cancel()

	stats, err := parquet.Backup(ctx, c.store, f, opts)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "wrote %d rows (%d records, %d descriptions, %d fois) to %s\n",
		stats.Total(), stats.Records, stats.Descriptions, stats.Fois, args[0])
	return nil
}

func (c *console) restore(args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := c.context()
	defer cancel()

	stats, err := parquet.Restore(ctx, c.store, f, info.Size())
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "restored %d rows (%d records, %d descriptions, %d fois)\n",
		stats.Total(), stats.Records, stats.Descriptions, stats.Fois)
	return nil
}

func (c *console) sql(args []string) error {
	ctx, cancel := c.context()
	defer cancel()

	rows, err := c.store.Query(ctx, args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "(no rows)")
		return nil
	}

	columns := slices.Sorted(maps.Keys(rows[0]))
	w := c.table()
	fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = fmt.Sprint(row[col])
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "(%d rows)\n", len(rows))
	return nil
}

// formatTime renders epoch seconds as RFC 3339 in UTC.
func formatTime(sec float64) string {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC().Format(time.RFC3339Nano)
}
