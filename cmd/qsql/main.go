package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/qbridge/pkg/api"
	"github.com/umputun/qbridge/pkg/bridge"
)

type options struct {
	PositionalArgs struct {
		Query string `positional-arg-name:"query" description:"sql query to run"`
	} `positional-args:"yes" required:"yes"`

	Config  string   `short:"c" long:"config" env:"QBRIDGE_CONFIG" description:"config file, yaml or toml"`
	CSV     []string `long:"csv" description:"csv table as name=path, file or directory"`
	JSON    []string `long:"json" description:"newline delimited json table as name=path"`
	Parquet []string `long:"parquet" description:"parquet table as name=path"`

	Workers int           `short:"w" long:"workers" env:"QBRIDGE_WORKER_THREADS" description:"worker threads, 0 for one per cpu" default:"0"`
	Timeout time.Duration `long:"timeout" description:"shutdown timeout, configured one if not set"`
	Limit   uint64        `short:"l" long:"limit" description:"max rows shown in the terminal, 0 for all" default:"0"`
	Format  string        `short:"f" long:"format" description:"output format" choice:"table" choice:"arrow" choice:"count" default:"table"`
	Out     string        `short:"o" long:"out" description:"output file, stdout if not set"`

	Version bool `long:"version" description:"show version"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// table is a table to register, kind is csv, json or parquet
type table struct {
	kind string
	name string
	path string
}

var revision = "latest"

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("qsql %s\n", revision)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgHiRed).Sprint("failed,"), formatErrorString(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	st := time.Now()
	tables, err := parseTables(opts)
	if err != nil {
		return err
	}

	b := api.New(nil)
	if err = b.Configure(opts.Config); err != nil {
		return fmt.Errorf("can't configure: %w", err)
	}
	setupLog(opts.Dbg) // cli logging wins over the configured one

	rt, err := b.RuntimeNew(uint32(max(opts.Workers, 0)), 0) //nolint:gosec // negative is clamped
	if err != nil {
		return fmt.Errorf("can't make runtime: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.ShutdownTimeout()
	}
	defer func() {
		if e := b.RuntimeDestroy(rt, timeout); e != nil {
			log.Printf("[WARN] can't destroy runtime: %v", e)
		}
	}()
	ses, err := b.SessionNew(rt)
	if err != nil {
		return fmt.Errorf("can't make session: %w", err)
	}
	defer b.SessionDestroy(ses) //nolint:errcheck // handle is live

	if err = register(ctx, b, ses, tables); err != nil {
		return err
	}
	if names, e := b.Tables(ctx, ses); e == nil {
		log.Printf("[DEBUG] tables in session: %s", strings.Join(names, ", "))
	}

	res, err := await(ctx, func(cb api.Callback) error { return b.SQL(ses, opts.PositionalArgs.Query, nil, cb, 0) })
	if err != nil {
		return fmt.Errorf("can't run query: %w", err)
	}
	df := res.Handle
	defer b.DataFrameDestroy(df) //nolint:errcheck // handle is live

	out, closeOut, err := output(opts, stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	switch opts.Format {
	case "count":
		res, err = await(ctx, func(cb api.Callback) error { return b.Count(df, cb, 0) })
		if err != nil {
			return fmt.Errorf("can't count rows: %w", err)
		}
		fmt.Fprintln(out, humanize.Comma(int64(res.Value))) //nolint:gosec // row count fits int64
	case "arrow":
		if opts.Out == "" && isTerminal(stdout) {
			return errors.New("refusing to write arrow stream to a terminal, use --out")
		}
		res, err = await(ctx, func(cb api.Callback) error { return b.Collect(df, cb, 0) })
		if err != nil {
			return fmt.Errorf("can't collect result: %w", err)
		}
		if _, err = out.Write(res.Bytes); err != nil {
			return fmt.Errorf("can't write result: %w", err)
		}
		log.Printf("[INFO] written %s arrow stream", humanize.Bytes(uint64(len(res.Bytes))))
	default:
		if opts.Limit > 0 && opts.Out == "" && stdout == os.Stdout { // show writes to stdout directly
			if _, err = await(ctx, func(cb api.Callback) error { return b.Show(df, opts.Limit, cb, 0) }); err != nil {
				return fmt.Errorf("can't show result: %w", err)
			}
			break
		}
		res, err = await(ctx, func(cb api.Callback) error { return b.ToString(df, cb, 0) })
		if err != nil {
			return fmt.Errorf("can't render result: %w", err)
		}
		fmt.Fprintln(out, string(res.Bytes))
	}

	log.Printf("[INFO] completed %d table(s) and query in %v", len(tables), time.Since(st).Truncate(time.Millisecond))
	return nil
}

// register loads all tables concurrently and reports every failure
func register(ctx context.Context, b *api.Bridge, ses bridge.Handle, tables []table) error {
	type outcome struct {
		tbl table
		err error
	}
	ch := make(chan outcome, len(tables))
	errs := new(multierror.Error)
	errs.ErrorFormat = errorFormat
	pending := 0
	for _, t := range tables {
		cb := func(_ *api.Result, e *bridge.Error, _ uint64) {
			var err error
			if e != nil {
				err = e
			}
			ch <- outcome{tbl: t, err: err}
		}
		var err error
		switch t.kind {
		case "csv":
			err = b.RegisterCSV(ses, t.name, t.path, nil, cb, 0)
		case "json":
			err = b.RegisterJSON(ses, t.name, t.path, nil, cb, 0)
		default:
			err = b.RegisterParquet(ses, t.name, t.path, cb, 0)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't register %s table %s: %w", t.kind, t.name, err))
			continue
		}
		pending++
	}

	for ; pending > 0; pending-- {
		select {
		case o := <-ch:
			if o.err != nil {
				errs = multierror.Append(errs, fmt.Errorf("can't register %s table %s: %w", o.tbl.kind, o.tbl.name, o.err))
				continue
			}
			log.Printf("[DEBUG] registered %s table %s from %s", o.tbl.kind, o.tbl.name, o.tbl.path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("can't register tables: %w", err)
	}
	return nil
}

// await runs an operation and waits for its callback. Bytes of the result are copied.
func await(ctx context.Context, start func(cb api.Callback) error) (*api.Result, error) {
	type outcome struct {
		res *api.Result
		err error
	}
	ch := make(chan outcome, 1)
	cb := func(res *api.Result, e *bridge.Error, _ uint64) {
		if e != nil {
			ch <- outcome{err: e}
			return
		}
		cp := *res
		cp.Bytes = append([]byte{}, res.Bytes...)
		ch <- outcome{res: &cp}
	}
	if err := start(cb); err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseTables(opts options) ([]table, error) {
	res := []table{}
	errs := new(multierror.Error)
	errs.ErrorFormat = errorFormat
	add := func(kind string, specs []string) {
		for _, s := range specs {
			name, path, ok := strings.Cut(s, "=")
			if !ok || name == "" || path == "" {
				errs = multierror.Append(errs, fmt.Errorf("invalid %s table %q, expected name=path", kind, s))
				continue
			}
			res = append(res, table{kind: kind, name: name, path: path})
		}
	}
	add("csv", opts.CSV)
	add("json", opts.JSON)
	add("parquet", opts.Parquet)
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("can't parse tables: %w", err)
	}
	return res, nil
}

// output returns the result destination and its close function
func output(opts options, stdout io.Writer) (io.Writer, func(), error) {
	if opts.Out == "" {
		return stdout, func() {}, nil
	}
	fh, err := os.Create(opts.Out) //nolint:gosec // output location from the command line
	if err != nil {
		return nil, nil, fmt.Errorf("can't create %s: %w", opts.Out, err)
	}
	return fh, func() {
		if err := fh.Close(); err != nil {
			log.Printf("[WARN] can't close %s: %v", opts.Out, err)
		}
	}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits int
}

// errorFormat lists errors the way formatErrorString expects them
func errorFormat(es []error) string {
	parts := make([]string, 0, len(es))
	for i, e := range es {
		parts = append(parts, fmt.Sprintf("[%d] {%s}", i, e))
	}
	return fmt.Sprintf("%d error(s) occurred: %s", len(es), strings.Join(parts, ", "))
}

func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*: \d+ error\(s\) occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)

	if len(headerMatch) == 0 {
		return input
	}

	errorsRe := regexp.MustCompile(`\[\d+] {([^}]+)}`)
	errorsMatches := errorsRe.FindAllStringSubmatch(input, -1)

	formattedErrors := make([]string, 0, len(errorsMatches))
	for _, match := range errorsMatches {
		formattedErrors = append(formattedErrors, strings.TrimSpace(match[1]))
	}

	formattedString := fmt.Sprintf("%s\n", strings.TrimSpace(headerMatch[1]))
	for i, err := range formattedErrors {
		formattedString += fmt.Sprintf("   [%d] %s\n", i, err)
	}

	return formattedString
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError, lgr.Out(os.Stderr), lgr.Err(os.Stderr)}
	}
	color.NoColor = !term.IsTerminal(int(os.Stderr.Fd())) //nolint:gosec // fd fits int

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
