package testutil

import (
	"github.com/hupe1980/contextmesh/memory"
)

// NewManager returns a memory manager with pools configured and initialized.
// Without pools the default five pool layout is used.
func NewManager(optFns []func(o *memory.Options), pools ...memory.NamedPoolConfig) *memory.Manager {
	m := memory.NewManager(optFns...)
	if len(pools) == 0 {
		pools = memory.DefaultPools()
	}
	for _, p := range pools {
		m.ConfigurePool(p.Name, p.PoolConfig)
	}
	m.InitializePools()
	return m
}
