package nlu

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// synonymSet maps a canonical value to the words users say for it. The
// canonical value itself always matches.
type synonymSet map[string][]string

var genreSets = synonymSet{
	"rock":       {"metal", "punk", "indie"},
	"jazz":       {"blues", "swing", "bebop"},
	"classical":  {"symphony", "orchestra", "opera", "philharmonic"},
	"pop":        {"chart", "mainstream"},
	"electronic": {"techno", "house", "edm", "rave"},
	"comedy":     {"standup", "stand-up", "improv"},
	"theater":    {"theatre", "play", "musical", "drama"},
}

var categorySets = synonymSet{
	"shoes":       {"sneakers", "boots", "trainers", "footwear", "heels"},
	"clothing":    {"clothes", "apparel", "shirt", "jacket", "dress", "pants"},
	"electronics": {"phone", "laptop", "headphones", "tablet", "camera"},
	"furniture":   {"sofa", "couch", "table", "chair", "desk", "shelf"},
	"groceries":   {"food", "grocery", "produce", "snacks"},
	"jewelry":     {"jewellery", "ring", "necklace", "bracelet", "watch"},
}

var serviceSets = synonymSet{
	"haircut":      {"hairdresser", "barber", "trim", "salon"},
	"massage":      {"spa", "therapy"},
	"cleaning":     {"cleaner", "housekeeping"},
	"repair":       {"fix", "mechanic", "maintenance"},
	"consultation": {"consult", "advice", "appointment"},
}

// matchCategorical maps an utterance token to a canonical value. Exact
// synonym hits win; otherwise the closest fuzzy match within maxEdit
// Damerau-Levenshtein edits is taken and flagged for confirmation.
func matchCategorical(tokens []string, set synonymSet, maxEdit int) (SlotValue, bool) {
	// Exact pass first so a clean hit never loses to a fuzzy one.
	for _, tok := range tokens {
		for canonical, synonyms := range set {
			if tok == canonical {
				return SlotValue{
					Raw:        tok,
					Normalized: canonical,
					Confidence: 0.95,
					Source:     SourceUserInput,
				}, true
			}
			for _, syn := range synonyms {
				if tok == syn {
					return SlotValue{
						Raw:        tok,
						Normalized: canonical,
						Confidence: 0.85,
						Source:     SourceInference,
					}, true
				}
			}
		}
	}

	canonicals := make([]string, 0, len(set))
	for canonical := range set {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)

	best := SlotValue{}
	bestDist := maxEdit + 1
	for _, tok := range tokens {
		// Short tokens fuzzy-match everything; skip them.
		if len(tok) < 4 {
			continue
		}
		for _, canonical := range canonicals {
			for _, candidate := range append([]string{canonical}, set[canonical]...) {
				dist := matchr.DamerauLevenshtein(tok, candidate)
				if dist < bestDist {
					bestDist = dist
					best = SlotValue{
						Raw:               tok,
						Normalized:        canonical,
						Confidence:        1 - float64(dist)/float64(max(len(tok), len(candidate))),
						Source:            SourceInference,
						NeedsConfirmation: true,
					}
				}
			}
		}
	}
	if bestDist > maxEdit {
		return SlotValue{}, false
	}
	return best, true
}

// Canonicalize maps a free-form value onto the synonym sets of the given
// slot. Unknown slots pass the value through lowercased.
func Canonicalize(slot, value string, maxEdit int) string {
	var set synonymSet
	switch slot {
	case "genre":
		set = genreSets
	case "category":
		set = categorySets
	case "serviceType":
		set = serviceSets
	default:
		return strings.ToLower(value)
	}
	if v, ok := matchCategorical(tokenize(strings.ToLower(value)), set, maxEdit); ok {
		return v.Normalized
	}
	return strings.ToLower(value)
}
