package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/tokens"
)

// Well known pool names.
const (
	PoolCore          = "Core"
	PoolActiveSession = "ActiveSession"
	PoolRecentHistory = "RecentHistory"
	PoolRecall        = "Recall"
	PoolBuffer        = "Buffer"
)

const (
	// DefaultGlobalTokenBudget is the per-turn context size.
	DefaultGlobalTokenBudget = 32000
	// OverheadTokens is reserved for the prompt scaffolding on every call.
	OverheadTokens = 1000
	// SummaryPriority is the score given to summaries of evicted session text.
	SummaryPriority = 1.0

	trimBatchSize           = 4
	defaultSummaryQueueSize = 16
)

// Summarizer condenses evicted conversation text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, text string) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Options configures a Manager.
type Options struct {
	// GlobalTokenBudget is split across pools by InitializePools.
	GlobalTokenBudget int
	// Summarizer receives evicted ActiveSession batches. Nil disables
	// summarization; evicted text is then dropped.
	Summarizer Summarizer
	// SummaryQueueSize bounds the number of batches waiting for the worker.
	SummaryQueueSize int
	// Estimator fills EstimatedTokens for items added without one.
	Estimator tokens.Estimator
	Logger    logging.Logger
	// Now is the clock used for item timestamps.
	Now func() time.Time
}

type summaryJob struct {
	text      string
	sessionID string
	items     int
}

// Manager is the multi-pool token budget allocator. All pool mutation happens
// under one manager wide mutex since evict-then-insert is not atomic on its
// own. The zero value is not usable; call NewManager.
type Manager struct {
	opts Options

	mu      sync.Mutex
	order   []string // registration order
	configs map[string]PoolConfig
	pools   map[string]*pool

	summaries chan summaryJob
	dropped   atomic.Int64
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager constructs a Manager. Pools must be configured and initialized
// before items can be added.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		GlobalTokenBudget: DefaultGlobalTokenBudget,
		SummaryQueueSize:  defaultSummaryQueueSize,
		Estimator:         tokens.CharEstimator{},
		Logger:            logging.NoOpLogger{},
		Now:               time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SummaryQueueSize <= 0 {
		opts.SummaryQueueSize = defaultSummaryQueueSize
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Manager{
		opts:      opts,
		configs:   make(map[string]PoolConfig),
		pools:     make(map[string]*pool),
		summaries: make(chan summaryJob, opts.SummaryQueueSize),
	}
}

// DefaultPools is the standard five pool layout.
func DefaultPools() []NamedPoolConfig {
	return []NamedPoolConfig{
		{Name: PoolCore, PoolConfig: PoolConfig{Percentage: 0.10, HardCap: 2048, RolloverPriority: 0}},
		{Name: PoolActiveSession, PoolConfig: PoolConfig{Percentage: 0.35, RolloverPriority: 3}},
		{Name: PoolRecentHistory, PoolConfig: PoolConfig{Percentage: 0.15, RolloverPriority: 2}},
		{Name: PoolRecall, PoolConfig: PoolConfig{Percentage: 0.30, HardCap: 8192, RolloverPriority: 1}},
		{Name: PoolBuffer, PoolConfig: PoolConfig{Percentage: 0.10, RolloverPriority: 1}},
	}
}

// NamedPoolConfig pairs a pool name with its configuration, preserving order.
type NamedPoolConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	PoolConfig `mapstructure:",squash" yaml:",inline"`
}

// GlobalTokenBudget returns the configured global budget.
func (m *Manager) GlobalTokenBudget() int { return m.opts.GlobalTokenBudget }

// ConfigurePool registers a desired share of the global budget. Percentages
// need not sum to 1.0. Reconfiguring a name keeps its registration slot.
func (m *Manager) ConfigurePool(name string, cfg PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[name]; !ok {
		m.order = append(m.order, name)
	}
	m.configs[name] = cfg
}

// InitializePools (re)creates every configured pool. Each pool gets
// int(global*pct) (float product, truncated), clipped to its hard cap. Whatever the base budgets leave
// unallocated is split evenly among pools with RolloverPriority > 0; the
// priority only gates eligibility. The bonus is not re-clipped, so the total
// can exceed the global budget.
func (m *Manager) InitializePools() {
	m.mu.Lock()
	defer m.mu.Unlock()

	global := m.opts.GlobalTokenBudget
	m.pools = make(map[string]*pool, len(m.order))
	allocated := 0
	for _, name := range m.order {
		cfg := m.configs[name]
		// plain truncation: 0.57*100 yields 56
		base := int(float64(global) * cfg.Percentage)
		if cfg.HardCap > 0 && base > cfg.HardCap {
			base = cfg.HardCap
		}
		m.pools[name] = newPool(name, base, cfg.HardCap)
		allocated += base
	}

	leftover := global - allocated
	if leftover <= 0 {
		return
	}
	var eligible []string
	for _, name := range m.order {
		if m.configs[name].RolloverPriority > 0 {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) == 0 {
		return
	}
	bonus := leftover / len(eligible)
	for _, name := range eligible {
		m.pools[name].maxTokenBudget += bonus
	}
	m.opts.Logger.Debug("memory.rollover", "leftover", leftover, "eligible", len(eligible), "bonus", bonus)
}

// AddMemory inserts item into the named pool. Exact text duplicates are
// ignored. When the insert would overflow the pool, TrimPool runs first; it
// only evicts while the pool is already over budget, so a pool at exactly its
// budget accepts the item and ends up over it until the next insert.
func (m *Manager) AddMemory(poolName string, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolName]
	if !ok {
		return fmt.Errorf("%w: unknown pool %q", core.ErrInvalidArgument, poolName)
	}
	if p.contains(item.Text) {
		return nil
	}
	if item.EstimatedTokens == 0 {
		item.EstimatedTokens = m.opts.Estimator.Estimate(item.Text)
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = m.opts.Now()
	}
	item.PoolName = poolName

	if p.used+item.EstimatedTokens > p.maxTokenBudget {
		m.trimLocked(p)
	}
	p.add(item)
	return nil
}

// TrimPool evicts the oldest items in batches of four until the pool is within
// budget or empty. Unknown pools are ignored.
func (m *Manager) TrimPool(poolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolName]; ok {
		m.trimLocked(p)
	}
}

// trimLocked evicts while the pool is over budget. Caller holds m.mu.
func (m *Manager) trimLocked(p *pool) {
	for p.used > p.maxTokenBudget {
		batch := p.oldest(trimBatchSize)
		if len(batch) == 0 {
			break
		}
		p.remove(batch)
		m.opts.Logger.Debug("memory.trim", "pool", p.name, "evicted", len(batch), "used", p.used, "max", p.maxTokenBudget)
		if p.name == PoolActiveSession {
			m.postSummaryLocked(batch)
		}
	}
}

func (m *Manager) postSummaryLocked(batch []Item) {
	if m.opts.Summarizer == nil {
		return
	}
	texts := make([]string, 0, len(batch))
	for _, it := range batch {
		texts = append(texts, it.Text)
	}
	job := summaryJob{text: strings.Join(texts, " "), sessionID: batch[0].SessionID, items: len(batch)}
	select {
	case m.summaries <- job:
	default:
		// the worker calls AddMemory, so blocking here while holding m.mu could deadlock
		n := m.dropped.Add(1)
		m.opts.Logger.Warn("memory.summary.dropped", "items", len(batch), "dropped_total", n)
	}
}

// GatherMemory walks pools in registration order and collects each pool's top
// priority entries that fit both the remaining shared budget and the pool cap.
// Earlier pools get first claim. The result never exceeds tokenBudget.
func (m *Manager) GatherMemory(tokenBudget int) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := tokenBudget
	var out []Item
	for _, name := range m.order {
		p, ok := m.pools[name]
		if !ok || remaining <= 0 {
			continue
		}
		for _, it := range p.topEntries(remaining) {
			if remaining >= it.EstimatedTokens {
				out = append(out, it)
				remaining -= it.EstimatedTokens
			}
		}
	}
	return out
}

// Items returns a copy of the named pool's items in priority order.
func (m *Manager) Items(poolName string) ([]Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok {
		return nil, false
	}
	return append([]Item(nil), p.items...), true
}

// Usage reports every pool's consumption in registration order.
func (m *Manager) Usage() []PoolUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolUsage, 0, len(m.order))
	for _, name := range m.order {
		if p, ok := m.pools[name]; ok {
			out = append(out, p.usage())
		}
	}
	return out
}

// LogUsage writes the pool usage table to the manager's logger.
func (m *Manager) LogUsage() {
	for _, u := range m.Usage() {
		m.opts.Logger.Info("memory.usage", "pool", u.Name, "used", u.UsedTokens, "max", u.MaxTokenBudget, "items", u.Items)
	}
}

// DroppedSummaries counts evicted batches that found the summary queue full.
func (m *Manager) DroppedSummaries() int64 { return m.dropped.Load() }

// Start launches the summarization worker. It is a no-op after the first call.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.summaryWorker(ctx)
	})
}

// Close stops the summarization worker and waits for it. Batches still queued
// are discarded.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
}

func (m *Manager) summaryWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.summaries:
			m.summarize(ctx, job)
		}
	}
}

func (m *Manager) summarize(ctx context.Context, job summaryJob) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("memory.summary.panic", "recover", r)
		}
	}()
	if strings.TrimSpace(job.text) == "" {
		return
	}
	summary, err := m.opts.Summarizer.Summarize(ctx, job.text)
	if err != nil {
		m.opts.Logger.Warn("memory.summary.failed", "items", job.items, "error", err.Error())
		return
	}
	if strings.TrimSpace(summary) == "" {
		return
	}
	if err := m.AddMemory(PoolRecentHistory, Item{
		Text:          summary,
		PriorityScore: SummaryPriority,
		SessionRole:   core.RoleSystem,
		SessionID:     job.sessionID,
	}); err != nil {
		m.opts.Logger.Warn("memory.summary.store_failed", "error", err.Error())
		return
	}
	m.opts.Logger.Info("memory.summary.stored", "items", job.items, "tokens", m.opts.Estimator.Estimate(summary))
}
