package anthropic

// CachedSystem wraps a long, stable system prompt as a single block with a
// prompt cache breakpoint so repeated classification calls reuse it.
func CachedSystem(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
