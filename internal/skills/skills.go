// Package skills holds the live table of loaded skills. Go has no
// supported cross-platform equivalent to Rust's libloading/dlopen
// story, and the stdlib `plugin` package requires the loaded artifact
// to match the running binary's exact toolchain and module graph and
// offers no unload path — unworkable for a loop that must reject and
// retry synthesized patches. Skills are instead interpreted Go source
// run in a sandboxed traefik/yaegi interpreter, standing in for the
// two-C-ABI-symbol contract: a loaded skill must define
//
//	func Execute(inputJSON string) (string, error)
//
// in a `package main`, which this package resolves and calls the same
// way a dlopen'd library's pagi_dynamic_skill_execute/_free pair would
// be resolved and called, minus the manual buffer freeing an
// interpreted closure doesn't need.
package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// DefaultTimeout is the hard wall-clock timeout applied to every Call
// when the caller doesn't override it.
const DefaultTimeout = 30 * time.Second

var (
	// ErrSymbolMissing is returned by Load when the source does not
	// define a resolvable Execute(string) (string, error) function.
	ErrSymbolMissing = errors.New("skills: Execute(string) (string, error) not found")

	// ErrForbiddenImport is returned by Load when the source imports a
	// package outside the stdlib whitelist.
	ErrForbiddenImport = errors.New("skills: forbidden import")

	// ErrNotLoaded is returned by Call and Unload for an unknown skill
	// name.
	ErrNotLoaded = errors.New("skills: not loaded")

	// ErrTimeout is returned by Call when Execute does not return
	// within the configured timeout.
	ErrTimeout = errors.New("skills: execution timed out")

	// ErrBadOutput is returned by Call when Execute's result is not
	// valid for the caller's expectations (currently: always passed
	// through verbatim, reserved for future JSON-shape validation).
	ErrBadOutput = errors.New("skills: bad output")
)

// allowedImports is the stdlib-only whitelist a loaded skill's source
// may import. Matches codenerd's yaegi sandbox list plus the JSON and
// time packages every skill here needs for its input/output contract.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"path":            true,
	"path/filepath":   true,
	"errors":          true,
	"unicode":         true,
}

// handle is one loaded skill: its interpreted entrypoint plus
// bookkeeping. outstanding counts in-flight Call invocations so Unload
// can wait for them to drain before releasing the handle, mirroring
// the spec's "drop library handle only after the last outstanding
// call returns" guarantee.
type handle struct {
	name       string
	path       string
	loadedAt   time.Time
	execute    func(string) (string, error)
	outstanding sync.WaitGroup
}

// Info is the public, read-only view of a loaded skill returned by
// ListLoaded.
type Info struct {
	Name     string
	Path     string
	LoadedAt time.Time
}

// Loader holds the live skill table. Load/Unload/Call are safe for
// concurrent use; load/unload of distinct names may proceed
// concurrently, but load/unload of the same name is serialized by the
// loader's own lock, guaranteeing at most one active library per name.
type Loader struct {
	mu      sync.RWMutex
	byName  map[string]*handle
	timeout time.Duration
	log     *zap.Logger
}

// New constructs an empty Loader. timeout<=0 uses DefaultTimeout.
func New(timeout time.Duration, log *zap.Logger) *Loader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{byName: make(map[string]*handle), timeout: timeout, log: log}
}

// Load registers source under name, replacing any prior registration
// for the same name only after this call successfully resolves an
// Execute entrypoint — a failed Load never disturbs the previously
// active skill.
func (l *Loader) Load(name, path, source string) error {
	if err := validateImports(source); err != nil {
		return err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("skills: load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(wrapCode(source)); err != nil {
		return fmt.Errorf("skills: evaluate %q: %w", name, err)
	}
	fn, err := i.Eval("main.Execute")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSymbolMissing, name)
	}
	execute, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return fmt.Errorf("%w: %s (wrong signature)", ErrSymbolMissing, name)
	}

	h := &handle{name: name, path: path, loadedAt: time.Now(), execute: execute}

	l.mu.Lock()
	prev := l.byName[name]
	l.byName[name] = h
	l.mu.Unlock()

	if prev != nil {
		go l.drain(prev)
	}
	l.log.Info("skill loaded", zap.String("skill", name), zap.String("path", path))
	return nil
}

// drain waits for a superseded handle's outstanding calls to finish.
// There is nothing to release beyond letting the goroutine-held
// closure become unreachable — yaegi interpreters have no OS handle
// to close, unlike a dlopen'd library.
func (l *Loader) drain(h *handle) {
	h.outstanding.Wait()
}

// Unload removes name from the live table after its outstanding calls
// return.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	h, ok := l.byName[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	delete(l.byName, name)
	l.mu.Unlock()

	h.outstanding.Wait()
	l.log.Info("skill unloaded", zap.String("skill", name))
	return nil
}

// Call invokes the named skill's Execute with inputJSON, enforcing the
// loader's configured hard timeout by running Execute on a goroutine
// and racing it against ctx and a timer, matching the "blocking thread
// joined with timeout" contract of the native ABI this stands in for.
func (l *Loader) Call(ctx context.Context, name, inputJSON string) (string, error) {
	l.mu.RLock()
	h, ok := l.byName[name]
	if ok {
		h.outstanding.Add(1)
	}
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	defer h.outstanding.Done()

	type result struct {
		out string
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := h.execute(inputJSON)
		resultCh <- result{out: out, err: err}
	}()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.out, r.err
	case <-timer.C:
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, name, l.timeout)
	case <-ctx.Done():
		return "", fmt.Errorf("skills: %s: %w", name, ctx.Err())
	}
}

// ListLoaded returns a snapshot of every currently loaded skill.
func (l *Loader) ListLoaded() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Info, 0, len(l.byName))
	for _, h := range l.byName {
		out = append(out, Info{Name: h.name, Path: h.path, LoadedAt: h.loadedAt})
	}
	return out
}

// IsLoaded reports whether name currently has an active handle.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byName[name]
	return ok
}

// validateImports rejects any import outside allowedImports, the same
// line-scanning approach codenerd's yaegi sandbox uses.
func validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}
	var forbidden []string
	for _, pkg := range imports {
		if pkg == "" {
			continue
		}
		if !allowedImports[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %v", ErrForbiddenImport, forbidden)
	}
	return nil
}

// wrapCode ensures the source declares package main, the package
// yaegi's entrypoint resolution (main.Execute) requires.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
