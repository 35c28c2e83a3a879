package retrieval

import (
	"sort"
	"strings"
	"unicode"
)

// fuse combines per-strategy ranked lists with reciprocal rank fusion.
//
// Each item scores Σ 1/(k+rank) over the lists it appears in (rank is
// 1-based). Items appearing in fewer than minConsensus lists are dropped.
// Ties break by the item's best single-strategy rank, then by ID so output
// is deterministic. It also returns the distinct item count before the
// consensus filter.
func fuse(lists map[string][]Item, k, minConsensus int) ([]Item, int) {
	type fusion struct {
		item     Item
		score    float64
		appeared int
		bestRank int
	}

	byID := make(map[string]*fusion)
	for _, list := range lists {
		for rank, item := range list {
			f, ok := byID[item.ID]
			if !ok {
				f = &fusion{item: item, bestRank: rank + 1}
				byID[item.ID] = f
			}
			f.score += 1.0 / float64(k+rank+1)
			f.appeared++
			if rank+1 < f.bestRank {
				f.bestRank = rank + 1
				f.item = item
			}
		}
	}
	combined := len(byID)

	fused := make([]fusion, 0, len(byID))
	for _, f := range byID {
		if f.appeared >= minConsensus {
			fused = append(fused, *f)
		}
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].bestRank != fused[j].bestRank {
			return fused[i].bestRank < fused[j].bestRank
		}
		return fused[i].item.ID < fused[j].item.ID
	})

	out := make([]Item, len(fused))
	for i, f := range fused {
		out[i] = f.item
		out[i].Score = f.score
	}
	return out, combined
}

// snippet extracts at most [SnippetLimit] characters of content around the
// first query term hit, cut on word boundaries.
func snippet(content, query string) string {
	if content == "" {
		return ""
	}
	if len(content) <= SnippetLimit {
		return content
	}

	// Center the window on the first matching query term.
	start := 0
	lower := strings.ToLower(content)
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if idx := strings.Index(lower, term); idx >= 0 {
			start = idx - SnippetLimit/4
			break
		}
	}
	if start < 0 {
		start = 0
	}
	if start > len(content)-SnippetLimit {
		start = len(content) - SnippetLimit
	}

	window := content[start : start+SnippetLimit]
	// Trim partial words at the edges.
	if start > 0 {
		if idx := strings.IndexFunc(window, unicode.IsSpace); idx >= 0 {
			window = window[idx+1:]
		}
	}
	if end := strings.LastIndexFunc(window, unicode.IsSpace); end > 0 {
		window = window[:end]
	}
	return strings.TrimSpace(window)
}
