package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock returns strictly increasing timestamps so eviction order is deterministic.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Second) }
}

func newTestManager(global int, fns ...func(o *Options)) *Manager {
	all := append([]func(o *Options){func(o *Options) {
		o.GlobalTokenBudget = global
		o.Now = tickingClock()
	}}, fns...)
	return NewManager(all...)
}

func budgets(m *Manager) map[string]int {
	out := map[string]int{}
	for _, u := range m.Usage() {
		out[u.Name] = u.MaxTokenBudget
	}
	return out
}

func TestInitializePools_NoLeftover(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.5, RolloverPriority: 1})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.5})
	m.InitializePools()

	assert.Equal(t, map[string]int{"A": 500, "B": 500}, budgets(m))
}

func TestInitializePools_NoEligiblePoolSumsToGlobal(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.25})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.25})
	m.ConfigurePool("C", PoolConfig{Percentage: 0.5})
	m.InitializePools()

	total := 0
	for _, b := range budgets(m) {
		total += b
	}
	assert.Equal(t, 1000, total)
}

// Characterized: the base budget truncates the float product, so float noise
// can cost a token.
func TestInitializePools_TruncatesFloatProduct(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.57})
	m.InitializePools()
	assert.Equal(t, map[string]int{"A": 56}, budgets(m))
}

// Characterized: leftover is split evenly, rollover priority only gates eligibility.
func TestInitializePools_EvenRolloverSplit(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.4, RolloverPriority: 1})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.4, RolloverPriority: 1})
	m.InitializePools()
	assert.Equal(t, map[string]int{"A": 500, "B": 500}, budgets(m))

	// changing a base percentage keeps the split additive
	m.ConfigurePool("A", PoolConfig{Percentage: 0.3, RolloverPriority: 1})
	m.InitializePools()
	assert.Equal(t, map[string]int{"A": 450, "B": 550}, budgets(m))
}

// Characterized: a higher rollover priority does not earn a larger share.
func TestInitializePools_ThreePools(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.3, RolloverPriority: 1})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.3, RolloverPriority: 3})
	m.ConfigurePool("C", PoolConfig{Percentage: 0.2})
	m.InitializePools()

	assert.Equal(t, map[string]int{"A": 400, "B": 400, "C": 200}, budgets(m))
}

func TestInitializePools_HardCapAndBonusNotReclipped(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.5, HardCap: 100, RolloverPriority: 1})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.5, RolloverPriority: 1})
	m.InitializePools()

	// base 100 (capped) + 500, leftover 400 split 200/200
	assert.Equal(t, map[string]int{"A": 300, "B": 700}, budgets(m))
}

func TestInitializePools_DefaultLayout(t *testing.T) {
	m := newTestManager(DefaultGlobalTokenBudget)
	for _, p := range DefaultPools() {
		m.ConfigurePool(p.Name, p.PoolConfig)
	}
	m.InitializePools()

	// the Core and Recall caps free 2560 tokens shared by four eligible pools
	assert.Equal(t, map[string]int{
		PoolCore:          2048,
		PoolActiveSession: 11200 + 640,
		PoolRecentHistory: 4800 + 640,
		PoolRecall:        8192 + 640,
		PoolBuffer:        3200 + 640,
	}, budgets(m))

	var names []string
	for _, u := range m.Usage() {
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{PoolCore, PoolActiveSession, PoolRecentHistory, PoolRecall, PoolBuffer}, names)
}

func TestAddMemory_UnknownPool(t *testing.T) {
	m := newTestManager(100)
	err := m.AddMemory("nope", Item{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestAddMemory_DuplicateIsIdempotent(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	require.NoError(t, m.AddMemory("A", Item{Text: "same", EstimatedTokens: 5}))
	require.NoError(t, m.AddMemory("A", Item{Text: "same", EstimatedTokens: 5, PriorityScore: 9}))

	items, ok := m.Items("A")
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, 0.0, items[0].PriorityScore)
	assert.Equal(t, 5, m.Usage()[0].UsedTokens)
}

func TestAddMemory_FillsDefaults(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	require.NoError(t, m.AddMemory("A", Item{Text: "twelve chars"}))
	items, _ := m.Items("A")
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].EstimatedTokens)
	assert.Equal(t, "A", items[0].PoolName)
	assert.False(t, items[0].Timestamp.IsZero())
}

func TestAddMemory_SortedByPriorityStable(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	for _, it := range []Item{
		{Text: "low", PriorityScore: 1, EstimatedTokens: 1},
		{Text: "high", PriorityScore: 5, EstimatedTokens: 1},
		{Text: "mid-first", PriorityScore: 3, EstimatedTokens: 1},
		{Text: "mid-second", PriorityScore: 3, EstimatedTokens: 1},
	} {
		require.NoError(t, m.AddMemory("A", it))
	}

	items, _ := m.Items("A")
	var texts []string
	for _, it := range items {
		texts = append(texts, it.Text)
	}
	assert.Equal(t, []string{"high", "mid-first", "mid-second", "low"}, texts)
}

// A pool at exactly its budget is not over it, so the first overflowing insert
// evicts nothing and the next one drops the oldest batch of four.
func TestAddMemory_TrimsOnlyWhenAlreadyOverBudget(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	for i := 0; i < 10; i++ {
		// older items get higher priority so eviction order is clearly by age
		require.NoError(t, m.AddMemory("A", Item{Text: fmt.Sprintf("m%d", i), EstimatedTokens: 10, PriorityScore: float64(10 - i)}))
	}
	require.Equal(t, 100, m.Usage()[0].UsedTokens)

	require.NoError(t, m.AddMemory("A", Item{Text: "new", EstimatedTokens: 10}))
	u := m.Usage()[0]
	assert.Equal(t, 110, u.UsedTokens)
	assert.Equal(t, 11, u.Items)

	require.NoError(t, m.AddMemory("A", Item{Text: "newer", EstimatedTokens: 10}))

	items, _ := m.Items("A")
	got := map[string]bool{}
	for _, it := range items {
		got[it.Text] = true
	}
	for i := 0; i < 4; i++ {
		assert.False(t, got[fmt.Sprintf("m%d", i)], "m%d should be evicted", i)
	}
	for i := 4; i < 10; i++ {
		assert.True(t, got[fmt.Sprintf("m%d", i)], "m%d should remain", i)
	}
	assert.True(t, got["new"])
	assert.True(t, got["newer"])
	assert.Equal(t, 80, m.Usage()[0].UsedTokens)
}

func TestAddMemory_OvershootIsBoundedByLastInsert(t *testing.T) {
	m := newTestManager(200)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		tokens := 1 + r.Intn(40)
		require.NoError(t, m.AddMemory("A", Item{Text: fmt.Sprintf("item-%d", i), EstimatedTokens: tokens, PriorityScore: r.Float64()}))
		u := m.Usage()[0]
		require.LessOrEqual(t, u.UsedTokens, u.MaxTokenBudget+tokens)

		m.TrimPool("A")
		u = m.Usage()[0]
		require.LessOrEqual(t, u.UsedTokens, u.MaxTokenBudget)
	}
}

func TestTrimPool_RemovesOversizedContent(t *testing.T) {
	m := newTestManager(50)
	m.ConfigurePool("A", PoolConfig{Percentage: 1})
	m.InitializePools()

	// an oversized insert is accepted as is; TrimPool then empties the pool
	require.NoError(t, m.AddMemory("A", Item{Text: "small", EstimatedTokens: 10}))
	require.NoError(t, m.AddMemory("A", Item{Text: "huge", EstimatedTokens: 80}))
	require.Greater(t, m.Usage()[0].UsedTokens, m.Usage()[0].MaxTokenBudget)

	m.TrimPool("A")
	u := m.Usage()[0]
	assert.LessOrEqual(t, u.UsedTokens, u.MaxTokenBudget)
	assert.Equal(t, 0, u.Items)

	m.TrimPool("missing") // ignored
}

func TestGatherMemory_RegistrationOrderFirstClaim(t *testing.T) {
	m := newTestManager(100)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.5})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.5})
	m.InitializePools()

	require.NoError(t, m.AddMemory("A", Item{Text: "a1", EstimatedTokens: 20, PriorityScore: 3}))
	require.NoError(t, m.AddMemory("A", Item{Text: "a2", EstimatedTokens: 20, PriorityScore: 2}))
	require.NoError(t, m.AddMemory("B", Item{Text: "b1", EstimatedTokens: 15, PriorityScore: 5}))
	require.NoError(t, m.AddMemory("B", Item{Text: "b2", EstimatedTokens: 10, PriorityScore: 1}))

	got := m.GatherMemory(55)
	var texts []string
	sum := 0
	for _, it := range got {
		texts = append(texts, it.Text)
		sum += it.EstimatedTokens
	}
	// Characterized: A is drained first even though b1 outranks every A item.
	assert.Equal(t, []string{"a1", "a2", "b1"}, texts)
	assert.LessOrEqual(t, sum, 55)
}

func TestGatherMemory_RespectsHardCap(t *testing.T) {
	m := newTestManager(1000)
	m.ConfigurePool("A", PoolConfig{Percentage: 1, HardCap: 30, RolloverPriority: 1})
	m.InitializePools()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AddMemory("A", Item{Text: fmt.Sprintf("x%d", i), EstimatedTokens: 10}))
	}
	assert.Len(t, m.GatherMemory(1000), 3)
}

func TestGatherMemory_NeverExceedsBudget(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	m := newTestManager(2000)
	for _, p := range []string{"A", "B", "C"} {
		m.ConfigurePool(p, PoolConfig{Percentage: 0.3, RolloverPriority: 1})
	}
	m.InitializePools()
	for i := 0; i < 300; i++ {
		pool := []string{"A", "B", "C"}[r.Intn(3)]
		require.NoError(t, m.AddMemory(pool, Item{Text: fmt.Sprintf("t%d", i), EstimatedTokens: r.Intn(60), PriorityScore: r.Float64()}))
	}

	for _, budget := range []int{0, 1, 17, 100, 999, 5000} {
		sum := 0
		for _, it := range m.GatherMemory(budget) {
			sum += it.EstimatedTokens
		}
		assert.LessOrEqual(t, sum, budget, "budget %d", budget)
	}
}

func TestActiveSessionEvictionIsSummarized(t *testing.T) {
	var calls atomic.Int32
	summarizer := SummarizerFunc(func(_ context.Context, text string) (string, error) {
		calls.Add(1)
		return "summary: " + text, nil
	})
	m := newTestManager(80, func(o *Options) { o.Summarizer = summarizer })
	m.ConfigurePool(PoolActiveSession, PoolConfig{Percentage: 0.5})
	m.ConfigurePool(PoolRecentHistory, PoolConfig{Percentage: 0.5})
	m.InitializePools()
	m.Start(context.Background())
	defer m.Close()

	// s4 fills the pool past its budget, s5 triggers the eviction
	for i := 0; i < 6; i++ {
		require.NoError(t, m.AddMemory(PoolActiveSession, Item{Text: fmt.Sprintf("s%d", i), EstimatedTokens: 10, SessionID: "sess"}))
	}

	require.Eventually(t, func() bool {
		items, _ := m.Items(PoolRecentHistory)
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)

	items, _ := m.Items(PoolRecentHistory)
	assert.Equal(t, "summary: s0 s1 s2 s3", items[0].Text)
	assert.Equal(t, SummaryPriority, items[0].PriorityScore)
	assert.Equal(t, core.RoleSystem, items[0].SessionRole)
	assert.Equal(t, "sess", items[0].SessionID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSummaryFailureIsAbsorbed(t *testing.T) {
	done := make(chan struct{})
	summarizer := SummarizerFunc(func(context.Context, string) (string, error) {
		defer close(done)
		return "", errors.New("model down")
	})
	m := newTestManager(20, func(o *Options) { o.Summarizer = summarizer })
	m.ConfigurePool(PoolActiveSession, PoolConfig{Percentage: 0.5})
	m.ConfigurePool(PoolRecentHistory, PoolConfig{Percentage: 0.5})
	m.InitializePools()
	m.Start(context.Background())
	defer m.Close()

	require.NoError(t, m.AddMemory(PoolActiveSession, Item{Text: "a", EstimatedTokens: 10}))
	require.NoError(t, m.AddMemory(PoolActiveSession, Item{Text: "b", EstimatedTokens: 10}))
	require.NoError(t, m.AddMemory(PoolActiveSession, Item{Text: "c", EstimatedTokens: 10}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("summarizer was not called")
	}
	items, _ := m.Items(PoolRecentHistory)
	assert.Empty(t, items)
	items, _ = m.Items(PoolActiveSession)
	assert.Len(t, items, 1)
}

func TestSummaryBackpressureIsCounted(t *testing.T) {
	m := newTestManager(10, func(o *Options) {
		o.SummaryQueueSize = 1
		o.Summarizer = SummarizerFunc(func(context.Context, string) (string, error) { return "", nil })
	})
	m.ConfigurePool(PoolActiveSession, PoolConfig{Percentage: 1})
	m.InitializePools()
	// worker not started: evictions at x2, x4 and x6; the queue holds only the first
	for i := 0; i < 7; i++ {
		require.NoError(t, m.AddMemory(PoolActiveSession, Item{Text: fmt.Sprintf("x%d", i), EstimatedTokens: 10}))
	}
	assert.Equal(t, int64(2), m.DroppedSummaries())
}

func TestManager_ConcurrentAdds(t *testing.T) {
	m := newTestManager(500)
	m.ConfigurePool("A", PoolConfig{Percentage: 0.5})
	m.ConfigurePool("B", PoolConfig{Percentage: 0.5})
	m.InitializePools()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				pool := "A"
				if i%2 == 0 {
					pool = "B"
				}
				_ = m.AddMemory(pool, Item{Text: fmt.Sprintf("%d-%d", w, i), EstimatedTokens: 7})
				_ = m.GatherMemory(120)
			}
		}(w)
	}
	wg.Wait()

	for _, u := range m.Usage() {
		assert.LessOrEqual(t, u.UsedTokens, u.MaxTokenBudget+7)
	}
}
