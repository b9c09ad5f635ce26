package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/dyluth/kiln/pkg/capability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childEnv = "KILN_REGISTRY_TEST_CHILD"

// TestMain lets the test binary double as the load-check child.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		if err := validator.ServeChild(context.Background(), os.Stdin, os.Stdout); err != nil {
			os.Stderr.WriteString(err.Error())
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func loadChecker(timeout time.Duration) *validator.Process {
	return &validator.Process{
		Command: []string{os.Args[0], "-test.run=^$"},
		Env:     []string{childEnv + "=1"},
		Timeout: timeout,
	}
}

func plugin(name, usage string) string {
	nameLine := ""
	if name != "" {
		nameLine = fmt.Sprintf("\t\t%q: %q,\n", "name", name)
	}
	usageLine := ""
	if usage != "" {
		usageLine = fmt.Sprintf("\t\t%q: %q,\n", "usage", usage)
	}
	return "package p\n\nfunc Plugin() map[string]any {\n\treturn map[string]any{\n" +
		nameLine +
		"\t\t\"description\": \"test plugin\",\n" +
		usageLine +
		"\t\t\"platforms\": []string{\"cli\"},\n" +
		"\t\t\"required_settings\": []string{},\n" +
		"\t}\n}\n"
}

const brokenSource = "package p\n\nfunc Plugin( {\n"

type env struct {
	store *candidates.Client
	repo  *artifacts.Repository
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := candidates.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.KilnConfig{Version: "1.0", Artifacts: config.ArtifactsConfig{Root: t.TempDir()}}
	require.NoError(t, cfg.Validate())
	return &env{store: store, repo: artifacts.NewRepository(cfg.Artifacts)}
}

func (e *env) stable(t *testing.T, kind candidates.Kind, filename, src string) {
	t.Helper()
	dir := e.repo.StableDir(kind)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0o644))
}

func (e *env) candidate(t *testing.T, kind candidates.Kind, id, src string, override bool) {
	t.Helper()
	if src != "" {
		_, err := e.repo.WriteCandidate(kind, id, src)
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	require.NoError(t, e.store.Upsert(context.Background(), &candidates.Candidate{
		ID:              id,
		Kind:            kind,
		BaseID:          id,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          candidates.StatusTested,
		OverrideEnabled: override,
		Promotion:       candidates.PendingPromotion(),
	}))
}

func seedPlugins(t *testing.T, e *env) {
	kind := candidates.KindPlugin
	e.stable(t, kind, "alpha.go", plugin("alpha", "/alpha"))
	e.stable(t, kind, "_private.go", plugin("private", "/private"))
	e.stable(t, kind, "bad name.go", plugin("badname", "/bad"))
	e.stable(t, kind, "broken.go", brokenSource)
	e.stable(t, kind, "dup_a.go", plugin("shared", "/first"))
	e.stable(t, kind, "dup_b.go", plugin("shared", "/second"))
	e.stable(t, kind, "noname.go", plugin("", "/noname"))
	e.stable(t, kind, "nousage.go", plugin("nousage", ""))
	e.stable(t, kind, "README.md", "not an artifact")

	e.candidate(t, kind, "alpha", plugin("alpha_v2", "/alpha v2"), true)
	e.candidate(t, kind, "noname", brokenSource, true)
	e.candidate(t, kind, "beta", plugin("beta", "/beta"), true)
	e.candidate(t, kind, "gamma", plugin("gamma", "/gamma"), false)
	e.candidate(t, kind, "delta", "", true)
	e.candidate(t, kind, "epsilon", plugin("epsilon", ""), true)
}

func TestResolvePlugins(t *testing.T) {
	e := setupEnv(t)
	seedPlugins(t, e)

	reg := prometheus.NewRegistry()
	r := New(e.repo, e.store, loader.New(), WithWorkers(3), WithRegisterer(reg))

	got, err := r.Resolve(context.Background(), candidates.KindPlugin)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"alpha", "beta", "noname", "shared"}, got.IDs())

	alpha := got.Entries["alpha"]
	assert.Equal(t, SourceOverride, alpha.Source)
	assert.Equal(t, e.repo.CandidatePath(candidates.KindPlugin, "alpha"), alpha.Path)
	assert.Equal(t, "alpha", alpha.Capability.Name())
	assert.Equal(t, "/alpha v2", alpha.Capability.(capability.Plugin).Usage())

	noname := got.Entries["noname"]
	assert.Equal(t, SourceStable, noname.Source, "broken override must keep the stable entry")
	assert.Equal(t, "noname", noname.Capability.Name())

	shared := got.Entries["shared"]
	assert.Equal(t, "/first", shared.Capability.(capability.Plugin).Usage())

	assert.Equal(t, SourceCandidate, got.Entries["beta"].Source)

	caps := got.Capabilities()
	assert.Len(t, caps, 4)
	for id, c := range caps {
		assert.Equal(t, id, c.Name())
	}

	gauge := r.EntriesGauge()
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge.WithLabelValues("plugin", "stable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("plugin", "override")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("plugin", "candidate")))
}

func TestResolveIndependentOfWorkerCount(t *testing.T) {
	e := setupEnv(t)
	seedPlugins(t, e)
	ctx := context.Background()

	summary := func(reg *Registry) map[string]string {
		out := make(map[string]string)
		for id, entry := range reg.Entries {
			out[id] = string(entry.Source) + ":" + entry.Path
		}
		return out
	}

	first, err := New(e.repo, e.store, loader.New(), WithWorkers(1)).Resolve(ctx, candidates.KindPlugin)
	require.NoError(t, err)
	for _, workers := range []int{2, 8} {
		again, err := New(e.repo, e.store, loader.New(), WithWorkers(workers)).Resolve(ctx, candidates.KindPlugin)
		require.NoError(t, err)
		assert.Equal(t, summary(first), summary(again), "workers=%d", workers)
	}
}

func TestResolveDisabledIsStableOnly(t *testing.T) {
	e := setupEnv(t)
	seedPlugins(t, e)
	ctx := context.Background()
	require.NoError(t, e.store.SetEnabled(ctx, false))

	got, err := New(e.repo, e.store, loader.New()).Resolve(ctx, candidates.KindPlugin)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, []string{"alpha", "noname", "shared"}, got.IDs())
	for _, entry := range got.Entries {
		assert.Equal(t, SourceStable, entry.Source)
	}
}

func TestResolveEmptyTree(t *testing.T) {
	e := setupEnv(t)
	got, err := New(e.repo, e.store, loader.New()).Resolve(context.Background(), candidates.KindPlatform)
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
}

func TestResolvePlatforms(t *testing.T) {
	e := setupEnv(t)
	kind := candidates.KindPlatform
	e.stable(t, kind, "echo.go", "package echo\n\nimport \"context\"\n\nvar Settings = map[string]any{\"prefix\": \">\"}\n\nfunc Run(ctx context.Context) error {\n\t<-ctx.Done()\n\treturn nil\n}\n")
	e.stable(t, kind, "named.go", "package named\n\nimport \"context\"\n\nvar Name = \"slack\"\n\nfunc Run(ctx context.Context) error { return nil }\n")
	e.stable(t, kind, "norun.go", "package norun\n\nvar Settings = map[string]any{}\n")

	got, err := New(e.repo, e.store, loader.New()).Resolve(context.Background(), kind)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "slack"}, got.IDs())

	echo, ok := got.Entries["echo"].Capability.(capability.Platform)
	require.True(t, ok)
	assert.Equal(t, ">", echo.Settings()["prefix"])
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	e := setupEnv(t)
	_, err := New(e.repo, e.store, loader.New()).Resolve(context.Background(), candidates.Kind("widget"))
	assert.Error(t, err)
}

const crashingInit = "package p\n\nfunc init() {\n\tgo func() { panic(\"boom from init goroutine\") }()\n}\n\n" +
	"func Plugin() map[string]any {\n\treturn map[string]any{\"name\": \"boom\", \"description\": \"d\", \"usage\": \"u\", " +
	"\"platforms\": []string{\"cli\"}, \"required_settings\": []string{}}\n}\n"

const spinningPlugin = "package p\n\nfunc Plugin() map[string]any {\n\tfor {\n\t}\n}\n"

const sleepingPlugin = "package p\n\nimport \"time\"\n\nfunc Plugin() map[string]any {\n\ttime.Sleep(time.Hour)\n\treturn nil\n}\n"

func TestResolveSkipsArtifactsThatFailIsolatedLoad(t *testing.T) {
	e := setupEnv(t)
	kind := candidates.KindPlugin
	e.stable(t, kind, "boom.go", crashingInit)
	e.stable(t, kind, "good.go", plugin("good", "/good"))
	e.stable(t, kind, "spin.go", spinningPlugin)
	e.candidate(t, kind, "good", crashingInit, true)

	r := New(e.repo, e.store, loader.New(), WithLoadChecker(loadChecker(2*time.Second)))

	start := time.Now()
	got, err := r.Resolve(context.Background(), kind)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.Equal(t, []string{"good"}, got.IDs())
	assert.Equal(t, SourceStable, got.Entries["good"].Source, "crashing override must keep the stable entry")
}

func TestResolveAbandonsSlowLoads(t *testing.T) {
	e := setupEnv(t)
	kind := candidates.KindPlugin
	e.stable(t, kind, "good.go", plugin("good", "/good"))
	e.stable(t, kind, "slow.go", sleepingPlugin)

	r := New(e.repo, e.store, loader.New(), WithLoadTimeout(300*time.Millisecond))

	start := time.Now()
	got, err := r.Resolve(context.Background(), kind)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"good"}, got.IDs())
}

func TestResolveHonoursCancellation(t *testing.T) {
	e := setupEnv(t)
	e.stable(t, candidates.KindPlugin, "slow.go", sleepingPlugin)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(e.repo, e.store, loader.New()).Resolve(ctx, candidates.KindPlugin)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
