package pricing

import (
	"sort"

	"github.com/Kocoro-lab/taskrouter/internal/models"
)

const tokensPerMillion = 1_000_000.0

// CostEstimate projects the USD cost of one call against one model.
// All amounts are >= 0 and linear in the token counts.
type CostEstimate struct {
	ModelID             string  `json:"model_id"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	EstimatedInputCost  float64 `json:"estimated_input_cost"`
	EstimatedOutputCost float64 `json:"estimated_output_cost"`
	TotalEstimate       float64 `json:"total_estimate"`
}

// CostFor returns the cost of tokens at a per-million price.
// Negative inputs are treated as zero to avoid negative costs.
func CostFor(tokens int, pricePerMillion float64) float64 {
	if tokens <= 0 || pricePerMillion <= 0 {
		return 0
	}
	return (float64(tokens) / tokensPerMillion) * pricePerMillion
}

// EstimateModel computes the input/output split for a single model
func EstimateModel(m models.ModelConfig, inputTokens, outputTokens int) CostEstimate {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	in := CostFor(inputTokens, m.Pricing.InputPerMillionTokens)
	out := CostFor(outputTokens, m.Pricing.OutputPerMillionTokens)
	return CostEstimate{
		ModelID:             m.ID,
		InputTokens:         inputTokens,
		OutputTokens:        outputTokens,
		EstimatedInputCost:  in,
		EstimatedOutputCost: out,
		TotalEstimate:       in + out,
	}
}

// Estimate projects costs for each candidate model, in the order given.
// Pricing comes entirely from the snapshot entries passed in.
func Estimate(inputTokens int, candidates []models.ModelConfig, expectedOutputTokens int) []CostEstimate {
	out := make([]CostEstimate, 0, len(candidates))
	for _, m := range candidates {
		out = append(out, EstimateModel(m, inputTokens, expectedOutputTokens))
	}
	return out
}

// EstimateByID resolves model ids against a registry and estimates the
// resolvable ones. Unresolved ids are returned separately.
func EstimateByID(reg *models.Registry, modelIDs []string, inputTokens, expectedOutputTokens int) ([]CostEstimate, []string) {
	var resolved []models.ModelConfig
	var missing []string
	for _, id := range modelIDs {
		m, ok := reg.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		resolved = append(resolved, m)
	}
	return Estimate(inputTokens, resolved, expectedOutputTokens), missing
}

// Cheapest returns the estimates sorted by total cost ascending; ties keep input order
func Cheapest(estimates []CostEstimate) []CostEstimate {
	out := append([]CostEstimate(nil), estimates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalEstimate < out[j].TotalEstimate
	})
	return out
}
