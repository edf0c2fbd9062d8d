package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testFleetDoc = `nodes:
  - id: w1
    name: First
    host: 10.0.0.1
    port: 8188
    vram_gb: 24
    tier: quality
    capabilities: [sd15, sdxl, upscale]
    max_resolution: 2048
    max_batch: 4
  - id: w2
    name: Second
    host: 10.0.0.2
    port: 8188
    vram_gb: 6
    tier: draft
    capabilities: [sd15]
`

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop().Sugar())
	require.NoError(t, r.Load([]byte(testFleetDoc)))
	return r
}

func TestLoadRegistersNodes(t *testing.T) {
	r := loadTestRegistry(t)

	w1 := r.Get("w1")
	require.NotNil(t, w1)
	assert.Equal(t, "First", w1.Name)
	assert.Equal(t, TierQuality, w1.Tier)
	assert.Equal(t, 24, w1.VRAMGB)
	assert.True(t, w1.HasCapability(CapUpscale))
	assert.False(t, w1.HasCapability(CapFlux))
	assert.Equal(t, 2048, w1.MaxResolution)

	// Unset limits fall back to defaults.
	w2 := r.Get("w2")
	require.NotNil(t, w2)
	assert.Equal(t, 1024, w2.MaxResolution)
	assert.Equal(t, 1, w2.MaxBatch)

	// Nodes start unhealthy until the first probe.
	assert.False(t, w1.Healthy())
	assert.Empty(t, r.Healthy())
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing id":   "nodes:\n  - {name: X, host: h, port: 1, vram_gb: 8, tier: draft}\n",
		"missing host": "nodes:\n  - {id: x, name: X, port: 1, vram_gb: 8, tier: draft}\n",
		"bad tier":     "nodes:\n  - {id: x, name: X, host: h, port: 1, vram_gb: 8, tier: turbo}\n",
		"duplicate id": "nodes:\n  - {id: x, name: X, host: h, port: 1, vram_gb: 8, tier: draft}\n  - {id: x, name: Y, host: h, port: 2, vram_gb: 8, tier: draft}\n",
	}
	for name, doc := range cases {
		r := NewRegistry(zap.NewNop().Sugar())
		assert.Error(t, r.Load([]byte(doc)), name)
	}
}

func TestAllKeepsConfigOrder(t *testing.T) {
	r := loadTestRegistry(t)
	nodes := r.All()
	require.Len(t, nodes, 2)
	assert.Equal(t, "w1", nodes[0].ID)
	assert.Equal(t, "w2", nodes[1].ID)
}

func TestLoadAccountingClampsAtZero(t *testing.T) {
	r := loadTestRegistry(t)

	r.IncrementLoad("w1")
	r.IncrementLoad("w1")
	assert.Equal(t, 2, r.Get("w1").QueueLength())

	r.DecrementLoad("w1")
	r.DecrementLoad("w1")
	r.DecrementLoad("w1")
	assert.Equal(t, 0, r.Get("w1").QueueLength())

	// Unknown ids are ignored.
	r.IncrementLoad("nope")
	r.DecrementLoad("nope")
}

func TestLeastLoadedStableOnTies(t *testing.T) {
	r := loadTestRegistry(t)

	nodes := r.All()
	best := r.LeastLoaded(nodes)
	require.NotNil(t, best)
	assert.Equal(t, "w1", best.ID)

	r.IncrementLoad("w1")
	best = r.LeastLoaded(nodes)
	assert.Equal(t, "w2", best.ID)

	r.IncrementLoad("w2")
	best = r.LeastLoaded(nodes)
	assert.Equal(t, "w1", best.ID)

	assert.Nil(t, r.LeastLoaded(nil))
}

func TestTierFiltering(t *testing.T) {
	r := loadTestRegistry(t)
	for _, n := range r.All() {
		n.markHealthy(0, 0)
	}

	atLeastStandard := r.AtOrAboveTier(TierStandard)
	require.Len(t, atLeastStandard, 1)
	assert.Equal(t, "w1", atLeastStandard[0].ID)

	assert.Len(t, r.AtOrAboveTier(TierDraft), 2)
	assert.Empty(t, r.AtOrAboveTier(TierPremium))
}

func TestTierRanks(t *testing.T) {
	assert.Equal(t, 0, TierDraft.Rank())
	assert.Equal(t, 1, TierStandard.Rank())
	assert.Equal(t, 2, TierQuality.Rank())
	assert.Equal(t, 3, TierPremium.Rank())
	assert.True(t, TierQuality.Valid())
	assert.False(t, Tier("turbo").Valid())
}
