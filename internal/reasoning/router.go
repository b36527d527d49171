// File: internal/reasoning/router.go
package reasoning

import "github.com/nettleworks/ferret/internal/config"

// ModelTier selects a model by cost profile rather than by name. Action
// proposals justify the powerful tier; verdicts and yes/no checks run on the
// fast one.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// Router maps tiers to configured model names.
type Router struct {
	models map[ModelTier]string
}

// NewRouter builds the tier map. An unset powerful model falls back to the
// fast one so a single-model config still works.
func NewRouter(cfg config.ReasoningConfig) *Router {
	fast := cfg.FastModel
	powerful := cfg.PowerfulModel
	if powerful == "" {
		powerful = fast
	}
	if fast == "" {
		fast = powerful
	}
	return &Router{
		models: map[ModelTier]string{
			TierFast:     fast,
			TierPowerful: powerful,
		},
	}
}

// ModelFor resolves a tier to a model name. Unknown tiers get the fast model.
func (r *Router) ModelFor(tier ModelTier) string {
	if m, ok := r.models[tier]; ok {
		return m
	}
	return r.models[TierFast]
}
