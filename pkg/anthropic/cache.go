package anthropic

// BuildCachedSystemBlocks returns system blocks where the stable prefix
// carries a cache breakpoint and the suffix does not. The question catalog
// and extraction rules go in the prefix so every call for every document
// reads the same cached tokens.
func BuildCachedSystemBlocks(prefix, suffix string) []SystemBlock {
	blocks := []SystemBlock{{
		Text:         prefix,
		CacheControl: &CacheControl{TTL: "5m"},
	}}
	if suffix != "" {
		blocks = append(blocks, SystemBlock{Text: suffix})
	}
	return blocks
}
