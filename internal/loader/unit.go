package loader

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/dyluth/kiln/pkg/capability"
)

// ContractError reports a unit that loaded but does not satisfy its kind's
// capability contract.
type ContractError struct {
	Missing []string
	Message string
}

func (e *ContractError) Error() string {
	return e.Message
}

// Unit is one evaluated artifact.
type Unit struct {
	Kind  candidates.Kind
	Path  string
	Token string

	output   *syncBuffer
	plugin   *pluginCap
	platform *platformCap
}

// Output returns what the unit wrote to stdout/stderr so far.
func (u *Unit) Output() string {
	if u.output == nil {
		return ""
	}
	return u.output.String()
}

// Capability returns the host-facing object of the unit: a
// capability.Plugin (plus capability.SelfChecker when the unit declares a
// self-check) or a capability.Platform.
func (u *Unit) Capability() capability.Capability {
	switch {
	case u.plugin != nil && u.plugin.selfCheck.IsValid():
		return &checkingPlugin{u.plugin}
	case u.plugin != nil:
		return u.plugin
	case u.platform != nil:
		return u.platform
	}
	return nil
}

// Name returns the unit's declared name.
func (u *Unit) Name() string {
	if c := u.Capability(); c != nil {
		return c.Name()
	}
	return ""
}

// Retag overwrites the declared name so the host sees the registry id.
func (u *Unit) Retag(id string) {
	if u.plugin != nil {
		u.plugin.name = id
		u.plugin.declared[capability.AttrName] = true
	}
	if u.platform != nil {
		u.platform.name = id
	}
}

// Missing lists the contract requirements the unit does not meet, in the
// order they are reported.
func (u *Unit) Missing() []string {
	switch {
	case u.plugin != nil && !u.plugin.entrypoint:
		return append([]string(nil), capability.RequiredPluginAttributes...)
	case u.plugin != nil:
		return capability.MissingPluginAttributes(u.plugin)
	case u.platform != nil && u.platform.run == nil:
		return []string{RunSymbol}
	}
	return nil
}

// Check returns a *ContractError when the unit does not conform to its
// kind's contract.
func (u *Unit) Check() error {
	missing := u.Missing()
	if len(missing) == 0 {
		return nil
	}
	if u.platform != nil {
		msg := "Missing platform entrypoint: func Run(ctx context.Context) error"
		if u.platform.runErr != nil {
			msg += " (" + u.platform.runErr.Error() + ")"
		}
		return &ContractError{Missing: missing, Message: msg}
	}
	if u.plugin != nil && u.plugin.bindErr != nil {
		return &ContractError{
			Missing: missing,
			Message: fmt.Sprintf("Missing required attributes: %s (%v)", strings.Join(missing, ", "), u.plugin.bindErr),
		}
	}
	return &ContractError{
		Missing: missing,
		Message: "Missing required attributes: " + strings.Join(missing, ", "),
	}
}

// HasSelfCheck reports whether the unit declares a self-check.
func (u *Unit) HasSelfCheck() bool {
	return u.plugin != nil && u.plugin.selfCheck.IsValid()
}

// SelfCheck runs the unit's self-check on the calling goroutine. A panic
// is returned as an error carrying the stack. Units without a self-check
// return ("", nil).
func (u *Unit) SelfCheck(ctx context.Context) (string, error) {
	if !u.HasSelfCheck() {
		return "", nil
	}
	return u.plugin.SelfCheck(ctx)
}

// pluginCap adapts the map returned by an artifact's Plugin() function.
type pluginCap struct {
	name             string
	description      string
	usage            string
	platforms        []string
	requiredSettings []string
	declared         map[string]bool
	entrypoint       bool
	bindErr          error
	selfCheck        reflect.Value
}

func (p *pluginCap) Name() string { return p.name }
func (p *pluginCap) Description() string { return p.description }
func (p *pluginCap) Usage() string { return p.usage }
func (p *pluginCap) Platforms() []string { return p.platforms }
func (p *pluginCap) RequiredSettings() []string { return p.requiredSettings }
func (p *pluginCap) Declares(attr string) bool { return p.declared[attr] }

// SelfCheck calls the artifact's SelfCheck function.
func (p *pluginCap) SelfCheck(ctx context.Context) (msg string, err error) {
	if !p.selfCheck.IsValid() {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("self-check panicked: %v\n%s", r, debug.Stack())
		}
	}()

	out := p.selfCheck.Call(nil)
	for _, v := range out {
		switch {
		case v.Kind() == reflect.String:
			msg = v.String()
		case v.Type().Implements(errorType):
			if !v.IsNil() {
				err = v.Interface().(error)
			}
		}
	}
	return msg, err
}

// checkingPlugin exposes SelfCheck only for units that declare one.
type checkingPlugin struct {
	*pluginCap
}

var (
	_ capability.Plugin      = (*pluginCap)(nil)
	_ capability.Declarer    = (*pluginCap)(nil)
	_ capability.SelfChecker = (*checkingPlugin)(nil)
	_ capability.Platform    = (*platformCap)(nil)
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func bindPlugin(sym *symbols) (*pluginCap, error) {
	p := &pluginCap{declared: map[string]bool{}}

	fn := sym.lookup(PluginSymbol)
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.Type().NumIn() != 0 || fn.Type().NumOut() != 1 {
		p.bindErr = errors.New("no func Plugin() map[string]any")
		return p, nil
	}
	p.entrypoint = true

	out := fn.Call(nil)[0]
	attrs, ok := toStringMap(out)
	if !ok {
		p.entrypoint = false
		p.bindErr = fmt.Errorf("Plugin() returned %s, want map[string]any", out.Type())
		return p, nil
	}

	for k := range attrs {
		p.declared[k] = true
	}
	p.name = toString(attrs[capability.AttrName])
	p.description = toString(attrs[capability.AttrDescription])
	p.usage = toString(attrs[capability.AttrUsage])
	p.platforms = toStringList(attrs[capability.AttrPlatforms])
	p.requiredSettings = toStringList(attrs[capability.AttrRequiredSettings])
	if p.requiredSettings == nil && p.declared[capability.AttrRequiredSettings] {
		p.requiredSettings = []string{}
	}

	if sc := sym.lookup(SelfCheckSymbol); sc.IsValid() && isSelfCheckFunc(sc) {
		p.selfCheck = sc
	}
	return p, nil
}

func isSelfCheckFunc(v reflect.Value) bool {
	if v.Kind() != reflect.Func {
		return false
	}
	t := v.Type()
	if t.NumIn() != 0 {
		return false
	}
	switch t.NumOut() {
	case 1:
		return t.Out(0).Kind() == reflect.String || t.Out(0) == errorType
	case 2:
		return t.Out(0).Kind() == reflect.String && t.Out(1) == errorType
	}
	return false
}

// platformCap adapts an artifact's Run entrypoint.
type platformCap struct {
	name     string
	settings map[string]any
	run      func(ctx context.Context) error
	runErr   error
}

func (p *platformCap) Name() string { return p.name }
func (p *platformCap) Settings() map[string]any { return p.settings }

// Run starts the adapter. Loading and validation never call it.
func (p *platformCap) Run(ctx context.Context) error {
	if p.run == nil {
		return errors.New("platform has no Run entrypoint")
	}
	return p.run(ctx)
}

func bindPlatform(sym *symbols, stem string) (*platformCap, error) {
	p := &platformCap{name: stem, settings: map[string]any{}}

	if v := sym.lookup(NameSymbol); v.IsValid() {
		if s := toString(v.Interface()); strings.TrimSpace(s) != "" {
			p.name = s
		}
	}
	if v := sym.lookup(SettingsSymbol); v.IsValid() {
		if m, ok := toStringMap(v); ok {
			p.settings = m
		}
	}

	fn := sym.lookup(RunSymbol)
	if !fn.IsValid() {
		return p, nil
	}
	if err := checkRunSignature(fn); err != nil {
		p.runErr = err
		return p, nil
	}
	if direct, ok := fn.Interface().(func(context.Context) error); ok {
		p.run = direct
		return p, nil
	}
	p.run = func(ctx context.Context) error {
		out := fn.Call([]reflect.Value{reflect.ValueOf(&ctx).Elem()})
		if out[0].IsNil() {
			return nil
		}
		return out[0].Interface().(error)
	}
	return p, nil
}

func checkRunSignature(fn reflect.Value) error {
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("Run is a %s, not a function", fn.Kind())
	}
	t := fn.Type()
	if t.NumIn() != 1 || t.In(0) != contextType {
		return fmt.Errorf("Run must accept a single context.Context, got %s", t)
	}
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return fmt.Errorf("Run must return error, got %s", t)
	}
	return nil
}

func toStringMap(v reflect.Value) (map[string]any, bool) {
	if !v.IsValid() {
		return nil, false
	}
	if v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return ""
}

func toStringList(v any) []string {
	if v == nil {
		return nil
	}
	if list, ok := v.([]string); ok {
		return append([]string(nil), list...)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if s := toString(rv.Index(i).Interface()); s != "" {
				out = append(out, s)
			}
		}
		return out
	case reflect.Map:
		// A set-style map[string]bool is accepted; keys are sorted for stable output.
		out := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			if k.Kind() == reflect.String {
				out = append(out, k.String())
			}
		}
		sort.Strings(out)
		return out
	}
	return nil
}
