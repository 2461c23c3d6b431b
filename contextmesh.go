// Package contextmesh provides a high-level façade that wires the
// orchestration core from a config.Config: endpoints and their model
// transports, the memory pools, the job queue, the tool executor, the
// retrieval ranker and the SQLite archive. Most applications interact with
// this package by:
//  1. Loading a configuration (config.Load) and creating a Mesh via New
//  2. Calling Start once, then Chat for every user message
//  3. Calling EndSession to persist a summary, and Close on shutdown
//
// All collaborators can be overridden through Options, which keeps the
// façade usable in tests without network access.
package contextmesh

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/contextmesh/archive"
	"github.com/hupe1980/contextmesh/config"
	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/embedding/openai"
	"github.com/hupe1980/contextmesh/endpoint"
	"github.com/hupe1980/contextmesh/engine"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/memory"
	"github.com/hupe1980/contextmesh/model"
	"github.com/hupe1980/contextmesh/model/anthropic"
	openaimodel "github.com/hupe1980/contextmesh/model/openai"
	"github.com/hupe1980/contextmesh/queue"
	"github.com/hupe1980/contextmesh/retrieval"
	"github.com/hupe1980/contextmesh/store/sqlite"
	"github.com/hupe1980/contextmesh/tagging"
	"github.com/hupe1980/contextmesh/tool"
)

const (
	// RecentSessionLimit is the number of earlier session summaries seeded
	// into RecentHistory by Start.
	RecentSessionLimit = 3

	inMemoryDatabase = ":memory:"
	maxTitleRunes    = 60
)

// Options configures a Mesh.
type Options struct {
	Config config.Config
	// Models overrides the transport of the named endpoints.
	Models map[string]model.Model
	// Embedder overrides the OpenAI compatible embedder.
	Embedder core.Embedder
	// Tagger overrides the keyword tagger.
	Tagger core.Tagger
	// Tools are exposed to the model next to the built-in memory tools.
	Tools []tool.Tool
	// CoreMemories seed the Core pool.
	CoreMemories []string
	// Callbacks are registered on the engine after the built-in debug
	// logging callbacks.
	Callbacks []engine.Callback
	Logger    logging.Logger
}

// Mesh is the wired orchestration core.
type Mesh struct {
	opts     Options
	engine   *engine.Engine
	registry *endpoint.Registry
	store    *sqlite.Store // nil when no database is configured
	ranker   *retrieval.Ranker
	logger   logging.Logger
}

// New wires a Mesh. The returned Mesh must be started before use and closed
// afterwards.
func New(optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg, opts)
	if err != nil {
		return nil, err
	}
	dispatcher := endpoint.NewDispatcher(registry, func(o *endpoint.DispatcherOptions) {
		o.MaxAttempts = cfg.Dispatch.MaxAttempts
		o.Backoff = cfg.Dispatch.Backoff
		o.Logger = opts.Logger
	})

	store, candidates, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	embedder := opts.Embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(func(o *openai.Options) {
			o.BaseURL = cfg.Embedding.BaseURL
			o.Model = cfg.Embedding.Model
			o.APIKey = cfg.Embedding.APIKey
		})
	}
	tagger := opts.Tagger
	if tagger == nil {
		tagger = tagging.New()
	}
	ranker := retrieval.New(candidates, embedder, tagger, func(o *retrieval.Options) {
		o.Limit = cfg.Retrieval.Limit
		o.MinRank = cfg.Retrieval.MinRank
		o.MinSimilarity = cfg.Retrieval.MinSimilarity
		o.Logger = opts.Logger
	})

	tools := tool.NewRegistry(archive.NewSearchMemoriesTool(ranker))
	if store != nil {
		if err := tools.Register(archive.NewListSessionsTool(store)); err != nil {
			return nil, err
		}
	}
	for _, t := range opts.Tools {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}
	executor := tool.NewExecutor(tools, func(o *tool.ExecutorOptions) {
		o.QueueSize = cfg.Tools.QueueSize
		o.MaxConcurrent = cfg.Tools.MaxConcurrent
		o.MaxRetries = cfg.Tools.MaxRetries
		o.RetryBackoff = cfg.Tools.RetryBackoff
		o.DefaultTimeout = cfg.Tools.Timeout
		o.Logger = opts.Logger
	})

	var recorder engine.Recorder
	if store != nil {
		recorder = archive.New(store, embedder, tagger, func(o *archive.Options) {
			o.Rater = archive.ModelRater{Dispatcher: dispatcher.WithRole(config.RoleSummarization)}
			o.Logger = opts.Logger
		})
	}

	var eng *engine.Engine
	mem := memory.NewManager(func(o *memory.Options) {
		o.GlobalTokenBudget = cfg.Memory.GlobalTokenBudget
		o.SummaryQueueSize = cfg.Memory.SummaryQueueSize
		o.Summarizer = memory.SummarizerFunc(func(ctx context.Context, text string) (string, error) {
			return eng.Summarize(ctx, text)
		})
		o.Logger = opts.Logger
	})
	pools := cfg.Memory.Pools
	if len(pools) == 0 {
		pools = memory.DefaultPools()
	}
	for _, p := range pools {
		mem.ConfigurePool(p.Name, p.PoolConfig)
	}
	mem.InitializePools()

	callbacks := engine.NewCallbackManager()
	for _, ct := range []engine.CallbackType{engine.CallbackAfterModel, engine.CallbackAfterTool, engine.CallbackOnError} {
		callbacks.RegisterCallback(engine.NewLoggingCallback(ct, opts.Logger))
	}
	for _, cb := range opts.Callbacks {
		callbacks.RegisterCallback(cb)
	}

	eng = engine.New(mem, queue.New(func(o *queue.Options) { o.Logger = opts.Logger }), dispatcher, func(o *engine.Options) {
		o.SystemPrompt = cfg.Agent.SystemPrompt
		o.Stream = cfg.Agent.Stream
		o.OverheadTokens = cfg.Memory.OverheadTokens
		o.MaxToolIterations = cfg.Tools.MaxIterations
		o.ToolTimeout = cfg.Tools.Timeout
		o.InteractivePriority = cfg.Queue.InteractivePriority
		o.SessionLoadPriority = cfg.Queue.SessionLoadPriority
		o.SummaryPriority = cfg.Queue.SummaryPriority
		o.Recaller = ranker
		o.Recorder = recorder
		o.Tools = tools
		o.Executor = executor
		o.Callbacks = callbacks
		o.Logger = opts.Logger
	})

	return &Mesh{
		opts:     opts,
		engine:   eng,
		registry: registry,
		store:    store,
		ranker:   ranker,
		logger:   opts.Logger,
	}, nil
}

func newRegistry(cfg config.Config, opts Options) (*endpoint.Registry, error) {
	registry := endpoint.NewRegistry(func(o *endpoint.RegistryOptions) {
		o.MaxFailures = cfg.Dispatch.MaxFailures
		o.Logger = opts.Logger
	})
	for _, ec := range cfg.Endpoints {
		m, ok := opts.Models[ec.Name]
		if !ok {
			var err error
			if m, err = newModel(ec); err != nil {
				return nil, err
			}
		}
		ep := endpoint.New(ec.Name, m, func(o *endpoint.Options) {
			o.BaseURL = ec.BaseURL
			o.Priority = ec.Priority
			o.MaxConcurrentRequests = ec.MaxConcurrentRequests
			o.Roles = ec.Roles
			o.Disabled = ec.Disabled
		})
		if err := registry.Register(ep); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newModel(ec config.EndpointConfig) (model.Model, error) {
	switch ec.Provider {
	case config.ProviderOpenAI, "":
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			o.BaseURL = ec.BaseURL
			o.APIKey = ec.APIKey
			if ec.Model != "" {
				o.Model = ec.Model
			}
		}), nil
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.BaseURL = ec.BaseURL
			o.APIKey = ec.APIKey
			if ec.Model != "" {
				o.Model = anthropicsdk.Model(ec.Model)
			}
		}), nil
	default:
		return nil, fmt.Errorf("%w: endpoint %q: unknown provider %q", core.ErrInvalidArgument, ec.Name, ec.Provider)
	}
}

// openStore opens the SQLite archive, or falls back to an in-process
// candidate store when no database path is configured.
func openStore(cfg config.Config) (*sqlite.Store, core.CandidateStore, error) {
	path := cfg.Database.Path
	if path == "" {
		return nil, memory.NewInMemoryStore(), nil
	}
	if path != inMemoryDatabase {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := sqlite.Open(path, func(o *sqlite.Options) { o.MinRank = cfg.Retrieval.MinRank })
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store, store, nil
}

// Start launches background workers and seeds the Core and RecentHistory
// pools.
func (m *Mesh) Start(ctx context.Context) error {
	m.engine.Start(ctx)
	if err := m.engine.LoadCoreMemories(m.opts.CoreMemories...); err != nil {
		return err
	}
	if m.store == nil {
		return nil
	}
	sessions, err := m.store.RecentSessions(ctx, RecentSessionLimit, "")
	if err != nil {
		return err
	}
	summaries := make([]engine.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, engine.SessionSummary{SessionID: s.ID, Summary: s.Summary, CreatedAt: s.UpdatedAt})
	}
	return m.engine.LoadPreviousSessions(ctx, summaries)
}

// NewSession returns a fresh session id.
func (m *Mesh) NewSession() string { return core.NewID() }

// Chat runs one turn. On failure the reply is engine.ErrorReply.
func (m *Mesh) Chat(ctx context.Context, sessionID, text string) (string, error) {
	return m.engine.Turn(ctx, sessionID, text)
}

// EndSession summarizes what is left of the session in ActiveSession and
// stores the summary so later sessions start with it. Without a database it
// only returns the summary.
func (m *Mesh) EndSession(ctx context.Context, sessionID string) (string, error) {
	items, _ := m.engine.Memory().Items(memory.PoolActiveSession)
	var (
		lines []string
		title string
	)
	for _, it := range items {
		if it.SessionID != sessionID {
			continue
		}
		lines = append(lines, it.SessionRole+": "+it.Text)
		if title == "" && it.SessionRole == core.RoleUser {
			title = truncate(it.Text, maxTitleRunes)
		}
	}
	if len(lines) == 0 {
		return "", nil
	}

	summary, err := m.engine.Summarize(ctx, strings.Join(lines, "\n"))
	if err != nil {
		return "", err
	}
	if m.store != nil {
		if err := m.store.SaveSession(ctx, sqlite.Session{ID: sessionID, Title: title, Summary: summary}); err != nil {
			return summary, err
		}
	}
	m.logger.Info("mesh.session.ended", "session_id", sessionID, "messages", len(lines))
	m.engine.Memory().LogUsage()
	return summary, nil
}

// Engine exposes the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Registry exposes the endpoint registry.
func (m *Mesh) Registry() *endpoint.Registry { return m.registry }

// Ranker exposes the retrieval ranker.
func (m *Mesh) Ranker() *retrieval.Ranker { return m.ranker }

// HealthCheck pings every endpoint and returns their status.
func (m *Mesh) HealthCheck(ctx context.Context) []endpoint.Status {
	return m.registry.HealthCheck(ctx)
}

// Close stops background work and closes the database.
func (m *Mesh) Close() error {
	m.engine.Close()
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

var _ engine.Recorder = (*archive.Archiver)(nil)
