package types

// TokenUsage holds cumulative token counts for a session, bucketed the way
// the provider reports them. Used always equals the sum of the buckets;
// Total is the configured budget, zero meaning unlimited.
type TokenUsage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
	Used          int `json:"used"`
	Total         int `json:"total"`
}

// Add folds a provider-reported usage delta into the cumulative counts.
// Negative delta fields are ignored so the buckets stay monotonic.
func (u *TokenUsage) Add(delta TokenUsage) {
	if delta.Input > 0 {
		u.Input += delta.Input
	}
	if delta.Output > 0 {
		u.Output += delta.Output
	}
	if delta.CacheRead > 0 {
		u.CacheRead += delta.CacheRead
	}
	if delta.CacheCreation > 0 {
		u.CacheCreation += delta.CacheCreation
	}
	u.Used = u.Input + u.Output + u.CacheRead + u.CacheCreation
}
