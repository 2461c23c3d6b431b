package contextmesh

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/contextmesh/config"
	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/engine"
	"github.com/hupe1980/contextmesh/memory"
	"github.com/hupe1980/contextmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.6, 0.8}, nil
}

func testConfig(dbPath string) config.Config {
	cfg := config.Default()
	cfg.Database.Path = dbPath
	cfg.Dispatch.Backoff = time.Millisecond
	cfg.Tools.RetryBackoff = time.Millisecond
	return cfg
}

func newMesh(t *testing.T, cfg config.Config, m model.Model) *Mesh {
	t.Helper()
	mesh, err := New(func(o *Options) {
		o.Config = cfg
		o.Models = map[string]model.Model{"local": m}
		o.Embedder = constEmbedder{}
		o.CoreMemories = []string{"The user's name is Sam."}
	})
	require.NoError(t, err)
	require.NoError(t, mesh.Start(context.Background()))
	return mesh
}

func TestMesh_ChatArchivesAndSummarizesSessions(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "mesh.db")

	m := model.NewMockModel("local", "mock")
	m.AddResponse("my cat is named Tom and she is three years old", "Tom sounds lovely.")
	mesh := newMesh(t, testConfig(dbPath), m)

	sessionID := mesh.NewSession()
	reply, err := mesh.Chat(ctx, sessionID, "my cat is named Tom and she is three years old")
	require.NoError(t, err)
	assert.Equal(t, "Tom sounds lovely.", reply)

	reqs := m.Requests()
	require.NotEmpty(t, reqs)
	var toolNames []string
	for _, d := range reqs[0].Tools {
		toolNames = append(toolNames, d.Function.Name)
	}
	assert.ElementsMatch(t, []string{"search_memories", "list_sessions"}, toolNames)
	assert.Contains(t, reqs[0].Contents[0].Text(), "The user's name is Sam.")

	assert.Eventually(t, func() bool {
		got, err := mesh.store.SearchCandidates(ctx, "", "other")
		return err == nil && len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	summary, err := mesh.EndSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "Mock response to: user: my cat is named Tom"), summary)
	require.NoError(t, mesh.Close())

	// a new process starts with the stored summary
	m2 := model.NewMockModel("local", "mock")
	mesh2 := newMesh(t, testConfig(dbPath), m2)
	t.Cleanup(func() { _ = mesh2.Close() })

	history, ok := mesh2.Engine().Memory().Items(memory.PoolRecentHistory)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, summary, history[0].Text)
	assert.Equal(t, sessionID, history[0].SessionID)
}

func TestMesh_EndSessionWithoutMessages(t *testing.T) {
	mesh := newMesh(t, testConfig(""), model.NewMockModel("local", "mock"))
	t.Cleanup(func() { _ = mesh.Close() })

	summary, err := mesh.EndSession(context.Background(), "unused")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestMesh_WithoutDatabase(t *testing.T) {
	m := model.NewMockModel("local", "mock")
	mesh := newMesh(t, testConfig(""), m)
	t.Cleanup(func() { _ = mesh.Close() })
	assert.Nil(t, mesh.store)

	_, err := mesh.Chat(context.Background(), "s1", "what is the plan for today?")
	require.NoError(t, err)
	require.Len(t, m.Requests(), 1)
	require.Len(t, m.Requests()[0].Tools, 1)
	assert.Equal(t, "search_memories", m.Requests()[0].Tools[0].Function.Name)
}

func TestMesh_UserCallbacksAreRegistered(t *testing.T) {
	var seen []string
	mesh, err := New(func(o *Options) {
		o.Config = testConfig("")
		o.Models = map[string]model.Model{"local": model.NewMockModel("local", "mock")}
		o.Embedder = constEmbedder{}
		o.Callbacks = []engine.Callback{
			engine.NewFunctionCallback(engine.CallbackBeforeModel, func(_ context.Context, cc *engine.CallbackContext) error {
				seen = append(seen, cc.SessionID)
				return nil
			}),
		}
	})
	require.NoError(t, err)
	require.NoError(t, mesh.Start(context.Background()))
	t.Cleanup(func() { _ = mesh.Close() })

	_, err = mesh.Chat(context.Background(), "s1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, seen)
}

func TestMesh_RejectsUnknownProvider(t *testing.T) {
	cfg := testConfig("")
	cfg.Endpoints[0].Provider = "bogus"
	_, err := New(func(o *Options) { o.Config = cfg })
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestMesh_HealthCheck(t *testing.T) {
	m := model.NewMockModel("local", "mock")
	mesh := newMesh(t, testConfig(""), m)
	t.Cleanup(func() { _ = mesh.Close() })

	st := mesh.HealthCheck(context.Background())
	require.Len(t, st, 1)
	assert.Equal(t, "local", st[0].Name)
	assert.True(t, st[0].Enabled)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdef", 3))
}
