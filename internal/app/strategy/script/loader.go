// Package script loads JavaScript strategy plug-ins. Each module in the
// plug-in directory exports `metadata` (name, params, indicators) and an
// `analyze(bar, params)` function; the loader compiles them once and hands
// per-instance VMs to the engine through strategy.ModuleSource.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/strategy"
)

const scope = "strategy/script"

// Module is one compiled plug-in.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Size     int64
	Meta     strategy.Metadata
	Program  *goja.Program
}

// ModuleSummary exposes immutable module details for status surfaces.
type ModuleSummary struct {
	Name string            `json:"name"`
	File string            `json:"file"`
	Hash string            `json:"hash"`
	Size int64             `json:"size"`
	Meta strategy.Metadata `json:"metadata"`
}

// Loader scans a directory of JavaScript strategy modules. Broken modules
// are logged and skipped so one bad upload cannot take the engine down;
// Refresh fails only when the directory itself is unreadable.
type Loader struct {
	mu     sync.RWMutex
	root   string
	logger *log.Logger
	byName map[string]*Module
}

// NewLoader roots a loader at dir, creating it when missing.
func NewLoader(dir string, logger *log.Logger) (*Loader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("plug-in directory required"))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "script ", log.LstdFlags|log.Lmicroseconds)
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.New(scope, errs.CodeInternal,
			errs.WithMessage("ensure plug-in directory "+clean), errs.WithCause(err))
	}
	return &Loader{
		root:   clean,
		logger: logger,
		byName: make(map[string]*Module),
	}, nil
}

// Root returns the scanned directory.
func (l *Loader) Root() string { return l.root }

// Refresh rescans the directory and swaps the module catalog atomically.
func (l *Loader) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("refresh canceled"), errs.WithCause(err))
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("read plug-in directory "+l.root), errs.WithCause(err))
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("refresh canceled"), errs.WithCause(err))
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			l.logger.Printf("skipping %s: %v", entry.Name(), err)
			continue
		}
		if prior, exists := next[module.Name]; exists {
			l.logger.Printf("skipping %s: strategy %q already provided by %s",
				entry.Name(), module.Name, prior.Filename)
			continue
		}
		next[module.Name] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	l.logger.Printf("loaded %d plug-in strategies from %s", len(next), l.root)
	return nil
}

// List returns the loaded module catalog sorted by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name: module.Name,
			File: module.Filename,
			Hash: module.Hash,
			Size: module.Size,
			Meta: strategy.CloneMetadata(module.Meta),
		})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions adapts the catalog for the strategy registry. Each activation
// gets its own VM.
func (l *Loader) Definitions() []strategy.Definition {
	l.mu.RLock()
	modules := make([]*Module, 0, len(l.byName))
	for _, module := range l.byName {
		modules = append(modules, module)
	}
	l.mu.RUnlock()

	out := make([]strategy.Definition, 0, len(modules))
	for _, module := range modules {
		module := module
		out = append(out, strategy.Definition{
			Meta:     strategy.CloneMetadata(module.Meta),
			Scripted: true,
			New: func(params map[string]any) (strategy.Strategy, error) {
				return newScriptStrategy(module, params)
			},
		})
	}
	return out
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	source, err := os.ReadFile(fullPath) // #nosec G304 -- path joined under loader root
	if err != nil {
		return nil, errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("read "+fullPath), errs.WithCause(err))
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("compile failed"), errs.WithCause(err))
	}

	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(source)
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Size:     fileSize(entry),
		Meta:     meta,
		Program:  prog,
	}, nil
}

// extractMetadata runs the module in a throwaway VM and validates that it
// exports both metadata and a callable analyze.
func extractMetadata(program *goja.Program) (strategy.Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return strategy.Metadata{}, err
	}

	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return strategy.Metadata{}, errs.New(scope, errs.CodeInvalid, errs.WithMessage("metadata export missing"))
	}
	var meta strategy.Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return strategy.Metadata{}, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("metadata export invalid"), errs.WithCause(err))
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return strategy.Metadata{}, errs.New(scope, errs.CodeInvalid, errs.WithMessage("metadata name required"))
	}

	analyzeFn := exports.Get("analyze")
	if analyzeFn == nil {
		return strategy.Metadata{}, errs.New(scope, errs.CodeInvalid, errs.WithMessage("analyze export missing"))
	}
	if _, ok := goja.AssertFunction(analyzeFn); !ok {
		return strategy.Metadata{}, errs.New(scope, errs.CodeInvalid, errs.WithMessage("analyze export must be a function"))
	}
	return strategy.CloneMetadata(meta), nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, errs.New(scope, errs.CodeInternal, errs.WithMessage("module init"), errs.WithCause(err))
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, errs.New(scope, errs.CodeInternal, errs.WithMessage("module init"), errs.WithCause(err))
	}
	if err := rt.Set("module", module); err != nil {
		return nil, errs.New(scope, errs.CodeInternal, errs.WithMessage("module init"), errs.WithCause(err))
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, errs.New(scope, errs.CodeInternal, errs.WithMessage("module init"), errs.WithCause(err))
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("module run"), errs.WithCause(err))
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("module exports must be an object"))
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

func fileSize(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}
	return info.Size()
}
