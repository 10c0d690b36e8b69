package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ListToolsIsSorted(t *testing.T) {
	r := NewInMemoryToolRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		def, err := NewTool(n, n, nil, noopExecutor)
		require.NoError(t, err)
		require.NoError(t, r.RegisterTool(n, *def))
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, Names(r))
	require.Len(t, Specs(r), 3)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewInMemoryToolRegistry()
	_, err := r.GetTool("missing")
	require.ErrorIs(t, err, ErrToolNotFound)
	require.False(t, r.HasTool("missing"))
}

func TestRegistry_MergePrefersOther(t *testing.T) {
	a, err := NewTool("t", "from a", nil, noopExecutor)
	require.NoError(t, err)
	b, err := NewTool("t", "from b", nil, noopExecutor)
	require.NoError(t, err)
	c, err := NewTool("c", "only a", nil, noopExecutor)
	require.NoError(t, err)

	ra, err := NewRegistryFromTools(a, c)
	require.NoError(t, err)
	rb, err := NewRegistryFromTools(b)
	require.NoError(t, err)

	merged := ra.Merge(rb)
	got, err := merged.GetTool("t")
	require.NoError(t, err)
	require.Equal(t, "from b", got.Description)
	require.Len(t, merged.ListTools(), 2)

	// the source registry is untouched
	got, err = ra.GetTool("t")
	require.NoError(t, err)
	require.Equal(t, "from a", got.Description)
	require.False(t, rb.HasTool("c"))
	require.True(t, merged.HasTool("c"))
}

func TestRegistry_CloneIsIndependent(t *testing.T) {
	a, err := NewTool("a", "", nil, noopExecutor)
	require.NoError(t, err)
	r, err := NewRegistryFromTools(a)
	require.NoError(t, err)

	cloned := r.Clone()
	b, err := NewTool("b", "", nil, noopExecutor)
	require.NoError(t, err)
	require.NoError(t, cloned.RegisterTool("b", *b))

	require.True(t, cloned.HasTool("b"))
	require.False(t, r.HasTool("b"))
}

func TestToolConfig_AllowedToolsGlob(t *testing.T) {
	cfg := DefaultToolConfig().WithAllowedTools([]string{"fs_*", "double"})
	require.True(t, cfg.IsToolAllowed("fs_read"))
	require.True(t, cfg.IsToolAllowed("double"))
	require.False(t, cfg.IsToolAllowed("echo"))

	all := DefaultToolConfig()
	require.True(t, all.IsToolAllowed("anything"))

	defs := []ToolDefinition{{Name: "fs_write"}, {Name: "echo"}}
	require.Len(t, cfg.FilterTools(defs), 1)
}
