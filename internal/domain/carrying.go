package domain

// CarryingCostInfo is the derived swap-cost breakdown for a single position.
// It is recomputed on demand and never persisted.
type CarryingCostInfo struct {
	PositionID     string
	DailyCost      float64
	WeeklyCost     float64
	MonthlyCost    float64
	YearlyCost     float64
	CumulativeCost float64
	// EffectiveRate is the signed per-lot daily swap rate used for the
	// calculation, after any default-rate fallback.
	EffectiveRate float64
}
