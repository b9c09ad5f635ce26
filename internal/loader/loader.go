// Package loader evaluates artifact source files in a fresh yaegi
// interpreter and exposes what they declare through the capability
// contracts. No interpreter is ever reused: each Load observes the bytes on
// disk at that moment.
package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Entrypoint symbols resolved in loaded units.
const (
	PluginSymbol    = "Plugin"
	SelfCheckSymbol = "SelfCheck"
	RunSymbol       = "Run"
	SettingsSymbol  = "Settings"
	NameSymbol      = "Name"
)

// LoadError carries the full diagnostic text of a failed load.
type LoadError struct {
	Path   string
	Token  string
	Err    error
	Output string // interpreter stdout/stderr captured during the load
	Stack  string // set when the load panicked
}

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "load %s: %v", e.Path, e.Err)
	if e.Output != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", strings.TrimRight(e.Output, "\n"))
	}
	if e.Stack != "" {
		fmt.Fprintf(&b, "\n%s", strings.TrimRight(e.Stack, "\n"))
	}
	return b.String()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Loader evaluates artifact files. The zero value is ready to use.
type Loader struct{}

// New returns a Loader.
func New() *Loader {
	return &Loader{}
}

// Token derives the uniqueness token of a load from the file's path,
// modification time and content.
func Token(path string, modTime int64, content []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", path, modTime)
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Load reads path once and evaluates it as a kind unit in a new interpreter.
// Every failure, including a panic inside the interpreter, comes back as a
// *LoadError; Load itself never panics.
func (l *Loader) Load(ctx context.Context, kind candidates.Kind, path string) (unit *Unit, err error) {
	if err := kind.Validate(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	tok := Token(path, info.ModTime().UnixNano(), src)

	var output syncBuffer
	defer func() {
		if r := recover(); r != nil {
			unit = nil
			err = &LoadError{
				Path:   path,
				Token:  tok,
				Err:    fmt.Errorf("panic: %v", r),
				Output: output.String(),
				Stack:  string(debug.Stack()),
			}
		}
	}()

	pkg, err := packageName(path, src)
	if err != nil {
		return nil, &LoadError{Path: path, Token: tok, Err: err}
	}

	i := interp.New(interp.Options{Stdout: &output, Stderr: &output})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &LoadError{Path: path, Token: tok, Err: err}
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, &LoadError{Path: path, Token: tok, Err: err, Output: output.String()}
	}

	sym := &symbols{ctx: ctx, interp: i, pkg: pkg}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	unit = &Unit{
		Kind:   kind,
		Path:   path,
		Token:  tok,
		output: &output,
	}
	switch kind {
	case candidates.KindPlugin:
		unit.plugin, err = bindPlugin(sym)
	case candidates.KindPlatform:
		unit.platform, err = bindPlatform(sym, stem)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Token: tok, Err: err, Output: output.String()}
	}
	return unit, nil
}

func packageName(path string, src []byte) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	return f.Name.Name, nil
}

// symbols resolves package-level identifiers of one evaluated unit.
type symbols struct {
	ctx    context.Context
	interp *interp.Interpreter
	pkg    string
}

// lookup returns the value bound to name, or an invalid Value when the unit
// does not declare it.
func (s *symbols) lookup(name string) reflect.Value {
	names := []string{name}
	if s.pkg != "main" {
		names = []string{s.pkg + "." + name, name}
	}
	for _, n := range names {
		v, err := s.interp.EvalWithContext(s.ctx, n)
		if err == nil && v.IsValid() {
			return v
		}
	}
	return reflect.Value{}
}

// syncBuffer is a bytes.Buffer safe for the interpreter's concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
