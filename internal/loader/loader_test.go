package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/dyluth/kiln/pkg/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherPlugin = `package weather

func Plugin() map[string]any {
	return map[string]any{
		"name":              "weather",
		"description":       "Daily weather digest",
		"usage":             "/weather <city>",
		"platforms":         []string{"telegram", "slack"},
		"required_settings": []string{},
	}
}

func SelfCheck() (string, error) {
	return "forecast source reachable", nil
}
`

const noDescriptionPlugin = `package weather

func Plugin() map[string]any {
	return map[string]any{
		"name":              "weather",
		"usage":             "/weather <city>",
		"platforms":         []string{"telegram"},
		"required_settings": []string{"API_KEY"},
	}
}
`

const echoPlatform = `package echo

import "context"

var Name = "echo"

var Settings = map[string]any{"port": 8080}

func Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
`

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadPlugin(t *testing.T) {
	path := writeSource(t, "weather.go", weatherPlugin)

	unit, err := New().Load(context.Background(), candidates.KindPlugin, path)
	require.NoError(t, err)

	assert.Empty(t, unit.Missing())
	assert.NoError(t, unit.Check())
	assert.Len(t, unit.Token, 16)

	p, ok := unit.Capability().(capability.Plugin)
	require.True(t, ok)
	assert.Equal(t, "weather", p.Name())
	assert.Equal(t, []string{"telegram", "slack"}, p.Platforms())
	assert.Equal(t, []string{}, p.RequiredSettings())

	require.True(t, unit.HasSelfCheck())
	_, ok = unit.Capability().(capability.SelfChecker)
	assert.True(t, ok)

	msg, err := unit.SelfCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forecast source reachable", msg)
}

func TestLoadPluginMissingDescription(t *testing.T) {
	path := writeSource(t, "weather.go", noDescriptionPlugin)

	unit, err := New().Load(context.Background(), candidates.KindPlugin, path)
	require.NoError(t, err)

	assert.Equal(t, []string{"description"}, unit.Missing())
	assert.EqualError(t, unit.Check(), "Missing required attributes: description")
	assert.False(t, unit.HasSelfCheck())
	_, ok := unit.Capability().(capability.SelfChecker)
	assert.False(t, ok)
}

func TestLoadPluginUndeclaredSettings(t *testing.T) {
	src := `package weather

func Plugin() map[string]any {
	return map[string]any{"name": "w", "description": "d", "usage": "u", "platforms": []string{"cli"}}
}
`
	unit, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "w.go", src))
	require.NoError(t, err)
	assert.Equal(t, []string{"required_settings"}, unit.Missing())
}

func TestLoadPluginWithoutEntrypoint(t *testing.T) {
	unit, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "empty.go", "package empty\n\nvar X = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, capability.RequiredPluginAttributes, unit.Missing())

	var contractErr *ContractError
	require.ErrorAs(t, unit.Check(), &contractErr)
	assert.Contains(t, contractErr.Message, "Missing required attributes: name, description, usage, platforms, required_settings")
}

func TestLoadMainPackage(t *testing.T) {
	src := `package main

func Plugin() map[string]any {
	return map[string]any{"name": "m", "description": "d", "usage": "u", "platforms": []string{"cli"}, "required_settings": []string{}}
}
`
	unit, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "m.go", src))
	require.NoError(t, err)
	assert.Empty(t, unit.Missing())
	assert.Equal(t, "m", unit.Name())
}

func TestLoadSelfCheckFailures(t *testing.T) {
	t.Run("returned error", func(t *testing.T) {
		body := `package weather

import "errors"

func Plugin() map[string]any {
	return map[string]any{"name": "w", "description": "d", "usage": "u", "platforms": []string{"cli"}, "required_settings": []string{}}
}

func SelfCheck() error {
	return errors.New("API_KEY not set")
}
`
		unit, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "w.go", body))
		require.NoError(t, err)
		_, err = unit.SelfCheck(context.Background())
		assert.EqualError(t, err, "API_KEY not set")
	})

	t.Run("panic", func(t *testing.T) {
		body := `package weather

func Plugin() map[string]any {
	return map[string]any{"name": "w", "description": "d", "usage": "u", "platforms": []string{"cli"}, "required_settings": []string{}}
}

func SelfCheck() string {
	panic("kaboom")
}
`
		unit, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "w.go", body))
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			_, err = unit.SelfCheck(context.Background())
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})
}

func TestLoadPlatform(t *testing.T) {
	path := writeSource(t, "echo_adapter.go", echoPlatform)

	unit, err := New().Load(context.Background(), candidates.KindPlatform, path)
	require.NoError(t, err)
	require.NoError(t, unit.Check())

	p, ok := unit.Capability().(capability.Platform)
	require.True(t, ok)
	assert.Equal(t, "echo", p.Name())
	assert.EqualValues(t, 8080, p.Settings()["port"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
}

func TestLoadPlatformDefaultsNameToStem(t *testing.T) {
	src := `package bridge

import "context"

func Run(ctx context.Context) error { return nil }
`
	unit, err := New().Load(context.Background(), candidates.KindPlatform, writeSource(t, "irc_bridge.go", src))
	require.NoError(t, err)
	assert.Equal(t, "irc_bridge", unit.Name())

	unit.Retag("irc")
	assert.Equal(t, "irc", unit.Capability().Name())
}

func TestLoadPlatformWithoutRun(t *testing.T) {
	tests := map[string]string{
		"absent":         "package p\n\nvar Settings = map[string]any{}\n",
		"wrong argument": "package p\n\nfunc Run(s string) error { return nil }\n",
		"no return":      "package p\n\nimport \"context\"\n\nfunc Run(ctx context.Context) {}\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			unit, err := New().Load(context.Background(), candidates.KindPlatform, writeSource(t, "p.go", src))
			require.NoError(t, err)
			assert.Equal(t, []string{RunSymbol}, unit.Missing())
			assert.ErrorContains(t, unit.Check(), "Missing platform entrypoint")
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("syntax error", func(t *testing.T) {
		_, err := New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "bad.go", "package bad\n\nfunc {"))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.NotEmpty(t, loadErr.Token)
	})

	t.Run("panicking initializer", func(t *testing.T) {
		src := "package bad\n\nvar boom = func() int { panic(\"init failed\") }()\n"
		var err error
		assert.NotPanics(t, func() {
			_, err = New().Load(context.Background(), candidates.KindPlugin, writeSource(t, "bad.go", src))
		})
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Contains(t, loadErr.Error(), "init failed")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := New().Load(context.Background(), candidates.KindPlugin, filepath.Join(t.TempDir(), "nope.go"))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestEachLoadObservesCurrentBytes(t *testing.T) {
	path := writeSource(t, "weather.go", noDescriptionPlugin)
	l := New()

	first, err := l.Load(context.Background(), candidates.KindPlugin, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"description"}, first.Missing())

	require.NoError(t, os.WriteFile(path, []byte(weatherPlugin), 0o644))

	second, err := l.Load(context.Background(), candidates.KindPlugin, path)
	require.NoError(t, err)
	assert.Empty(t, second.Missing())
	assert.NotEqual(t, first.Token, second.Token)
}

func TestToken(t *testing.T) {
	a := Token("/x/a.go", 1, []byte("package a"))
	assert.Equal(t, a, Token("/x/a.go", 1, []byte("package a")))
	assert.NotEqual(t, a, Token("/x/a.go", 2, []byte("package a")))
	assert.NotEqual(t, a, Token("/x/a.go", 1, []byte("package b")))
}
