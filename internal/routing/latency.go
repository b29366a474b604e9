package routing

import (
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/models"
)

// SelectByLatency returns the fastest registry model whose latency is within
// maxLatencyMs and whose capabilities cover required. ok=false means no model
// qualifies, which is not an error. Ties keep registry order.
func SelectByLatency(reg *models.Registry, maxLatencyMs int, required []analysis.Capability) (models.ModelConfig, bool) {
	var best models.ModelConfig
	found := false
	for _, m := range reg.Models() {
		if m.LatencyMs > maxLatencyMs || !m.HasCapabilities(required) {
			continue
		}
		if !found || m.LatencyMs < best.LatencyMs {
			best = m
			found = true
		}
	}
	return best, found
}
