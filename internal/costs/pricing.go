package costs

// Price describes how one provider/operation pair is billed. Exactly one of
// the two fields is normally set.
type Price struct {
	// PerRequest is a flat cost per call.
	PerRequest float64

	// Per1000Units is the cost per 1,000 consumed units (tokens).
	Per1000Units float64
}

// PricingTable maps provider -> operation -> price.
type PricingTable map[string]map[string]Price

// DefaultPricingTable returns the built-in pricing for known paid providers.
// The local provider is free and intentionally absent.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"openai": {
			OpEmbedding:  {Per1000Units: 0.00002},
			OpCompletion: {Per1000Units: 0.00015},
		},
		"cohere": {
			OpRerank: {PerRequest: 0.002},
		},
	}
}

// Operation kinds recorded in usage rows.
const (
	OpEmbedding  = "embedding"
	OpRerank     = "rerank"
	OpCompletion = "completion"
)

// Cost computes the cost of units consumed against a provider/operation
// pair. Unknown providers or operations cost zero; the tracker logs the
// miss rather than failing.
func (t PricingTable) Cost(provider, operation string, units int) (float64, bool) {
	ops, ok := t[provider]
	if !ok {
		return 0, false
	}
	price, ok := ops[operation]
	if !ok {
		return 0, false
	}
	if price.PerRequest > 0 {
		return price.PerRequest, true
	}
	return float64(units) / 1000.0 * price.Per1000Units, true
}
