// Command nativec compiles a program tree, as written by a front-end in
// YAML or JSON, into a standalone executable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/nativec/internal/compiler"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

// exitError carries the exit status of an interpreted program.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "nativec: %v\n", err)
		os.Exit(1)
	}
}

// interpretTree runs t on the reference interpreter and copies what it
// printed to w.
func interpretTree(w io.Writer, t *tree.Tree) error {
	res, err := tree.Eval(t, 0)
	if err != nil {
		return err
	}
	if _, err := w.Write(res.Stdout); err != nil {
		return fmt.Errorf("write program output: %w", err)
	}
	if res.Trapped {
		return fmt.Errorf("program trapped")
	}
	if res.Exit != 0 {
		return &exitError{code: int(uint8(res.Exit))}
	}
	return nil
}

func run() error {
	output := flag.String("o", "", "Output executable (default: a.out, or a.exe for pe)")
	configPath := flag.String("config", "", "YAML configuration file")
	level := flag.Int("O", 1, "Optimization level (0-3)")
	lto := flag.Bool("lto", false, "Link all units into one namespace")
	archFlag := flag.String("arch", "", "Target architecture (default: host)")
	formatFlag := flag.String("format", "", "Executable format, elf or pe (default: host)")
	pgo := flag.String("pgo", "", "Branch profile (YAML)")
	workers := flag.Int("workers", 0, "Functions optimized in parallel (default: GOMAXPROCS)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	progress := flag.Bool("progress", term.IsTerminal(int(os.Stderr.Fd())), "Show a progress bar")
	interpret := flag.Bool("interpret", false, "Run the tree on the reference interpreter instead of compiling")
	dumpTree := flag.Bool("dump-tree", false, "Print the decoded tree as YAML and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <tree.yaml|tree.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile a program tree into a native executable.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logLevel := slog.LevelInfo
	if *dbg {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one input tree")
	}
	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return err
	}
	t, err := tree.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", flag.Arg(0), err)
	}

	if *dumpTree {
		out, err := tree.Encode(t)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}
	if *interpret {
		return interpretTree(os.Stdout, t)
	}

	var cfg compiler.Config
	if *configPath != "" {
		if cfg, err = compiler.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	// Flags given on the command line win over the configuration file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if *configPath == "" || set["O"] {
		cfg.OptLevel = *level
	}
	if set["lto"] {
		cfg.LTO = *lto
	}
	if set["workers"] {
		cfg.Workers = *workers
	}
	if *archFlag != "" {
		if cfg.Arch, err = target.ParseArch(*archFlag); err != nil {
			return err
		}
	}
	if *formatFlag != "" {
		if cfg.Format, err = target.ParseFormat(*formatFlag); err != nil {
			return err
		}
	}
	if *pgo != "" {
		if cfg.Profile, err = os.ReadFile(*pgo); err != nil {
			return err
		}
	}
	cfg.Logger = slog.Default()

	out := *output
	if out == "" {
		out = "a.out"
		if _, hostFormat := target.Host(); cfg.Format == target.FormatPE || (cfg.Format == "" && hostFormat == target.FormatPE) {
			out = "a.exe"
		}
	}

	if *progress {
		bar := progressbar.NewOptions(4,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		cfg.Observer = func(from, to compiler.State) {
			switch to {
			case compiler.StateOptimizing, compiler.StateEmitting, compiler.StateLinking:
				bar.Describe(string(to))
				bar.Add(1)
			case compiler.StateDone:
				bar.Finish()
			}
		}
	}

	stats, err := compiler.Compile(t, out, cfg)
	if err != nil {
		return err
	}
	if *dbg {
		var applied []string
		for name, n := range stats.PassesApplied {
			applied = append(applied, fmt.Sprintf("%s=%d", name, n))
		}
		slices.Sort(applied)
		slog.Debug("stats",
			"functions", stats.Functions,
			"passes", strings.Join(applied, ","),
			"optimize", stats.Optimize,
			"emit", stats.Emit,
			"link", stats.Link,
		)
	}
	return nil
}
