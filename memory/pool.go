package memory

import (
	"slices"
	"time"
)

// Item is a single piece of injectable context owned by exactly one pool.
// Items are immutable after insertion; they only ever get removed.
type Item struct {
	Text            string
	EstimatedTokens int
	PriorityScore   float64
	Timestamp       time.Time
	SessionRole     string
	PoolName        string
	SessionID       string
}

// PoolConfig is the static share of the global budget requested by a pool.
// HardCap of zero means uncapped. Only pools with RolloverPriority > 0 take
// part in leftover redistribution.
type PoolConfig struct {
	Percentage       float64 `mapstructure:"percentage" yaml:"percentage"`
	HardCap          int     `mapstructure:"hard_cap" yaml:"hard_cap,omitempty"`
	RolloverPriority int     `mapstructure:"rollover_priority" yaml:"rollover_priority"`
}

// PoolUsage is a point-in-time view of a pool's budget consumption.
type PoolUsage struct {
	Name           string
	UsedTokens     int
	MaxTokenBudget int
	HardCap        int
	Items          int
}

// pool keeps items sorted by PriorityScore descending, stable on ties.
// Not safe for concurrent use; the Manager serializes access.
type pool struct {
	name           string
	maxTokenBudget int
	hardCap        int
	items          []Item
	used           int
}

func newPool(name string, budget, hardCap int) *pool {
	return &pool{name: name, maxTokenBudget: budget, hardCap: hardCap}
}

func (p *pool) contains(text string) bool {
	return slices.ContainsFunc(p.items, func(it Item) bool { return it.Text == text })
}

func (p *pool) add(it Item) {
	p.items = append(p.items, it)
	p.used += it.EstimatedTokens
	slices.SortStableFunc(p.items, func(a, b Item) int {
		switch {
		case a.PriorityScore > b.PriorityScore:
			return -1
		case a.PriorityScore < b.PriorityScore:
			return 1
		default:
			return 0
		}
	})
}

// topEntries returns the highest priority prefix whose summed tokens fit in
// min(available, cap). It stops at the first item that does not fit.
func (p *pool) topEntries(available int) []Item {
	limit := p.maxTokenBudget
	if p.hardCap > 0 {
		limit = p.hardCap
	}
	if available < limit {
		limit = available
	}
	var (
		out  []Item
		used int
	)
	for _, it := range p.items {
		if used+it.EstimatedTokens > limit {
			break
		}
		out = append(out, it)
		used += it.EstimatedTokens
	}
	return out
}

// oldest returns up to n items ordered by Timestamp ascending.
func (p *pool) oldest(n int) []Item {
	byAge := slices.Clone(p.items)
	slices.SortStableFunc(byAge, func(a, b Item) int { return a.Timestamp.Compare(b.Timestamp) })
	if len(byAge) > n {
		byAge = byAge[:n]
	}
	return byAge
}

// remove drops items by text; texts are unique within a pool.
func (p *pool) remove(batch []Item) {
	drop := make(map[string]struct{}, len(batch))
	for _, it := range batch {
		drop[it.Text] = struct{}{}
	}
	kept := p.items[:0]
	for _, it := range p.items {
		if _, ok := drop[it.Text]; ok {
			p.used -= it.EstimatedTokens
			continue
		}
		kept = append(kept, it)
	}
	clear(p.items[len(kept):])
	p.items = kept
}

func (p *pool) usage() PoolUsage {
	return PoolUsage{Name: p.name, UsedTokens: p.used, MaxTokenBudget: p.maxTokenBudget, HardCap: p.hardCap, Items: len(p.items)}
}
