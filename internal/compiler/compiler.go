// Package compiler drives a program tree through optimization, code
// generation and linking into an executable file.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/nativec/internal/codegen"
	_ "github.com/tinyrange/nativec/internal/codegen/amd64"
	"github.com/tinyrange/nativec/internal/link"
	"github.com/tinyrange/nativec/internal/opt"
	"github.com/tinyrange/nativec/internal/tree"
)

type State string

const (
	StateIdle       State = "idle"
	StateOptimizing State = "optimizing"
	StateEmitting   State = "emitting"
	StateLinking    State = "linking"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Observer is told about every state change of a compilation.
type Observer func(from, to State)

// StageError reports the stage a compilation failed in. An invalid Config
// or a nil tree is rejected before any stage starts and reported with Stage
// idle. A malformed branch profile belongs to the optimizing stage.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("compiler: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stats describes a finished compilation.
type Stats struct {
	OriginalSize  int
	OptimizedSize int
	// MachineCodeSize is the size of the code buffer handed to the linker,
	// runtime stubs excluded.
	MachineCodeSize int
	DataSize        int
	ExecutableSize  int
	Passes          int
	PassesApplied   map[string]int
	Functions       int

	Optimize time.Duration
	Emit     time.Duration
	Link     time.Duration
	Total    time.Duration
}

// Compiler runs one compilation at a time and remembers how the last one
// ended.
type Compiler struct {
	cfg Config

	mu      sync.Mutex
	state   State
	running bool
}

func New(cfg Config) *Compiler {
	return &Compiler{cfg: cfg.withDefaults(), state: StateIdle}
}

// Compile builds t into an executable at outputPath.
func Compile(t *tree.Tree, outputPath string, cfg Config) (*Stats, error) {
	return New(cfg).Compile(t, outputPath)
}

func (c *Compiler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Compiler) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if c.cfg.Observer != nil {
		c.cfg.Observer(from, to)
	}
}

func (c *Compiler) fail(stage State, err error) error {
	c.transition(StateFailed)
	c.cfg.Logger.Debug("compilation failed", "stage", stage, "err", err)
	return &StageError{Stage: stage, Err: err}
}

func (c *Compiler) Compile(t *tree.Tree, outputPath string) (*Stats, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, errors.New("compiler: compilation already in progress")
	}
	c.running = true
	c.state = StateIdle
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	cfg := c.cfg
	log := cfg.Logger
	if err := cfg.validate(); err != nil {
		return nil, c.fail(StateIdle, err)
	}
	if t == nil {
		return nil, c.fail(StateIdle, errors.New("nil program tree"))
	}

	start := time.Now()
	stats := &Stats{OriginalSize: t.Size()}

	c.transition(StateOptimizing)
	profile, err := opt.ParseProfile(cfg.Profile)
	if err != nil {
		return nil, c.fail(StateOptimizing, err)
	}
	log.Debug("optimizing", "level", cfg.OptLevel, "nodes", stats.OriginalSize)
	stageStart := time.Now()
	o := opt.Optimizer{Workers: cfg.Workers, Logger: log}
	optimized, res, err := o.Run(t, cfg.OptLevel, profile)
	if err != nil {
		return nil, c.fail(StateOptimizing, err)
	}
	stats.Optimize = time.Since(stageStart)
	stats.OptimizedSize = optimized.Size()
	stats.Passes = res.Passes
	stats.PassesApplied = res.Applied
	stats.Functions = len(optimized.Funcs())
	log.Debug("optimized", "nodes", stats.OptimizedSize, "passes", res.Passes, "rounds", res.Rounds, "took", stats.Optimize)

	c.transition(StateEmitting)
	log.Debug("emitting", "arch", cfg.Arch, "format", cfg.Format)
	stageStart = time.Now()
	prog, err := codegen.Emit(optimized, cfg.Arch, cfg.Format)
	if err != nil {
		return nil, c.fail(StateEmitting, err)
	}
	stats.Emit = time.Since(stageStart)
	stats.MachineCodeSize = prog.CodeSize()
	stats.DataSize = len(prog.Data())
	log.Debug("emitted", "code", stats.MachineCodeSize, "data", stats.DataSize, "symbols", prog.Symbols().Len(), "took", stats.Emit)

	c.transition(StateLinking)
	log.Debug("linking", "output", outputPath, "lto", cfg.LTO)
	stageStart = time.Now()
	img, err := link.Link(prog, cfg.Format, link.Options{Arch: cfg.Arch, LTO: cfg.LTO})
	if err != nil {
		return nil, c.fail(StateLinking, err)
	}
	if err := img.WriteFile(outputPath); err != nil {
		return nil, c.fail(StateLinking, err)
	}
	stats.Link = time.Since(stageStart)
	stats.ExecutableSize = img.Size()
	log.Debug("linked", "sections", len(img.Sections), "bytes", stats.ExecutableSize, "took", stats.Link)

	stats.Total = time.Since(start)
	c.transition(StateDone)
	log.Info("compiled",
		slog.String("output", outputPath),
		slog.Int("nodes", stats.OriginalSize),
		slog.Int("optimized_nodes", stats.OptimizedSize),
		slog.Int("code_bytes", stats.MachineCodeSize),
		slog.Int("executable_bytes", stats.ExecutableSize),
		slog.Duration("elapsed", stats.Total),
	)
	return stats, nil
}
