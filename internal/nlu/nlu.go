// Package nlu turns a user utterance into a structured slot frame: an
// intent classification plus normalized slot values, the list of critical
// slots still missing, and the constraints implied by the phrasing.
//
// Extraction is rule-based and deterministic. An optional LLM refiner can be
// attached for low-confidence classifications; it is off unless configured.
package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Intent is a recognized user goal.
type Intent string

const (
	IntentBuyTickets     Intent = "buy_tickets"
	IntentBookService    Intent = "book_service"
	IntentFindProducts   Intent = "find_products"
	IntentGetInformation Intent = "get_information"
	IntentNavigation     Intent = "navigation"
)

// Source records where a slot value came from.
type Source string

const (
	SourceUserInput Source = "user_input"
	SourceContext   Source = "context"
	SourceInference Source = "inference"
	SourceDefault   Source = "default"
)

// refineThreshold is the classification confidence below which the optional
// refiner is consulted.
const refineThreshold = 0.5

// DefaultRadiusKm is the search radius applied to "near me" when none is
// configured.
const DefaultRadiusKm = 25.0

// SlotValue is one extracted parameter.
type SlotValue struct {
	// Raw is the span of user input the value was extracted from.
	Raw string `json:"raw"`

	// Normalized is the canonical form (a date range, a canonical category,
	// a geo radius).
	Normalized string `json:"normalized"`

	// Confidence ∈ [0, 1].
	Confidence float64 `json:"confidence"`

	Source Source `json:"source"`

	// NeedsConfirmation marks values the user should verify before they
	// feed a write action (e.g. a fuzzy category match).
	NeedsConfirmation bool `json:"needsConfirmation,omitempty"`
}

// SlotFrame is the full extraction result for one utterance.
//
// ResolvedSlots and MissingSlots are always disjoint, and together cover
// every critical slot of the intent.
type SlotFrame struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`

	Slots map[string]SlotValue `json:"slots"`

	MissingSlots  []string `json:"missingSlots"`
	ResolvedSlots []string `json:"resolvedSlots"`

	// Constraints are side conditions that shape retrieval and planning
	// without being slots themselves (e.g. "radius_km=25").
	Constraints []string `json:"constraints,omitempty"`
}

// CriticalSlots returns the slots that must be resolved (or explicitly
// clarified) before the intent can be acted on. The order is the
// clarification priority: ask about the first missing one.
func CriticalSlots(intent Intent) []string {
	switch intent {
	case IntentBuyTickets:
		return []string{"time", "quantity", "location", "genre"}
	case IntentFindProducts:
		return []string{"category", "location", "price"}
	case IntentBookService:
		return []string{"serviceType", "time", "location"}
	default:
		// Informational and navigation turns act on whatever was said.
		return nil
	}
}

// NextClarification returns the highest-priority missing slot, or "" when
// nothing needs clarifying.
func NextClarification(frame *SlotFrame) string {
	for _, name := range CriticalSlots(frame.Intent) {
		if slices.Contains(frame.MissingSlots, name) {
			return name
		}
	}
	return ""
}

// UserContext carries what the runtime already knows about the speaker.
type UserContext struct {
	// Latitude/Longitude of the user's known location. Valid only when
	// HasLocation is set. Latitude < 0 places the user in the southern
	// hemisphere, which flips season words.
	Latitude    float64
	Longitude   float64
	HasLocation bool

	// Timezone resolves relative dates. Nil means UTC.
	Timezone *time.Location
}

func (uc UserContext) location() *time.Location {
	if uc.Timezone != nil {
		return uc.Timezone
	}
	return time.UTC
}

// Refiner improves a low-confidence frame, typically by asking an LLM.
type Refiner interface {
	Refine(ctx context.Context, input string, frame *SlotFrame) (*SlotFrame, error)
}

// Options configures an [Extractor]. Zero values select the defaults.
type Options struct {
	// Refiner is consulted when classification confidence falls below 0.5.
	// Nil disables refinement.
	Refiner Refiner

	// RadiusKm is the radius attached to "near me" queries. Defaults to 25.
	RadiusKm float64

	// MaxEditDistance bounds fuzzy categorical matching. Defaults to 2.
	MaxEditDistance int

	Log *slog.Logger

	// Now is swappable in tests.
	Now func() time.Time
}

// Extractor classifies intents and extracts slot frames.
type Extractor struct {
	refiner Refiner
	radius  float64
	maxEdit int
	log     *slog.Logger
	now     func() time.Time
}

// NewExtractor creates an extractor with the given options.
func NewExtractor(opts Options) *Extractor {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}
	if opts.MaxEditDistance <= 0 {
		opts.MaxEditDistance = 2
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Extractor{
		refiner: opts.Refiner,
		radius:  opts.RadiusKm,
		maxEdit: opts.MaxEditDistance,
		log:     opts.Log,
		now:     opts.Now,
	}
}

// intentKeywords score the utterance per intent. Multi-word entries match as
// substrings of the lowercased input.
var intentKeywords = map[Intent][]string{
	IntentBuyTickets: {
		"ticket", "tickets", "concert", "concerts", "show", "shows", "gig",
		"admission", "seats",
	},
	IntentBookService: {
		"book", "appointment", "reserve", "reservation", "schedule",
		"haircut", "massage", "booking",
	},
	IntentFindProducts: {
		"find", "looking for", "shop", "shopping", "product", "products",
		"price", "cheap", "shoes", "buy a", "buy some",
	},
	IntentGetInformation: {
		"what", "when", "where", "how", "why", "hours", "info",
		"information", "tell me", "opening",
	},
	IntentNavigation: {
		"go to", "open the", "navigate", "take me", "checkout page",
		"cart", "menu", "go back", "scroll",
	},
}

// intentOrder breaks classification ties deterministically, most specific
// intent first.
var intentOrder = []Intent{
	IntentBuyTickets, IntentBookService, IntentFindProducts,
	IntentNavigation, IntentGetInformation,
}

// Extract classifies input and builds its slot frame.
func (e *Extractor) Extract(ctx context.Context, input string, uc UserContext) (*SlotFrame, error) {
	lower := strings.ToLower(strings.TrimSpace(input))
	if lower == "" {
		return nil, fmt.Errorf("nlu: empty input")
	}

	intent, confidence := classify(lower)
	frame := &SlotFrame{
		Intent:     intent,
		Confidence: confidence,
		Slots:      make(map[string]SlotValue),
	}

	e.extractSlots(frame, lower, uc)
	finalizeFrame(frame)

	if e.refiner != nil && frame.Confidence < refineThreshold {
		refined, err := e.refiner.Refine(ctx, input, frame)
		switch {
		case err != nil:
			// Refinement is best-effort; the rule-based frame stands.
			e.log.Warn("nlu refinement failed", "err", err)
		case refined != nil && refined.Confidence > frame.Confidence:
			finalizeFrame(refined)
			frame = refined
		}
	}

	return frame, nil
}

// classify scores the utterance against each intent's keyword set.
func classify(lower string) (Intent, float64) {
	best := IntentGetInformation
	bestHits := 0
	for _, intent := range intentOrder {
		hits := 0
		for _, kw := range intentKeywords[intent] {
			if containsToken(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}
	if bestHits == 0 {
		return IntentGetInformation, 0.3
	}
	return best, min(0.95, 0.5+0.15*float64(bestHits-1))
}

// containsToken matches kw against lower on word boundaries. Multi-word
// keywords fall back to a substring match.
func containsToken(lower, kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(lower, kw)
	}
	for _, tok := range tokenize(lower) {
		if tok == kw {
			return true
		}
	}
	return false
}

var tokenPattern = regexp.MustCompile(`[a-z0-9$]+`)

func tokenize(lower string) []string {
	return tokenPattern.FindAllString(lower, -1)
}

// extractSlots fills frame.Slots from the utterance and the user context.
func (e *Extractor) extractSlots(frame *SlotFrame, lower string, uc UserContext) {
	tokens := tokenize(lower)

	if v, ok := extractTemporal(lower, e.now().In(uc.location()), uc); ok {
		frame.Slots["time"] = v
	}
	if v, ok := extractQuantity(tokens); ok {
		frame.Slots["quantity"] = v
	}
	e.extractLocation(frame, lower, uc)

	switch frame.Intent {
	case IntentBuyTickets:
		if v, ok := matchCategorical(tokens, genreSets, e.maxEdit); ok {
			frame.Slots["genre"] = v
		}
	case IntentFindProducts:
		if v, ok := matchCategorical(tokens, categorySets, e.maxEdit); ok {
			frame.Slots["category"] = v
		}
		if v, ok := extractPrice(lower); ok {
			frame.Slots["price"] = v
		}
	case IntentBookService:
		if v, ok := matchCategorical(tokens, serviceSets, e.maxEdit); ok {
			frame.Slots["serviceType"] = v
		}
	}
}

// extractLocation handles "near me" and explicit "in <place>" phrasing.
func (e *Extractor) extractLocation(frame *SlotFrame, lower string, uc UserContext) {
	if strings.Contains(lower, "near me") || strings.Contains(lower, "nearby") {
		frame.Constraints = append(frame.Constraints,
			fmt.Sprintf("radius_km=%g", e.radius))
		if uc.HasLocation {
			frame.Slots["location"] = SlotValue{
				Raw: "near me",
				Normalized: fmt.Sprintf("%.5f,%.5f±%gkm",
					uc.Latitude, uc.Longitude, e.radius),
				Confidence: 0.9,
				Source:     SourceContext,
			}
		}
		// Without a known location the slot stays missing; the radius
		// constraint survives so clarification can offer it back.
		return
	}

	for _, m := range inPlacePattern.FindAllStringSubmatch(lower, -1) {
		// Skip prepositional noise like "in the morning".
		if placeStopwords[m[1]] {
			continue
		}
		frame.Slots["location"] = SlotValue{
			Raw:        m[0],
			Normalized: m[1],
			Confidence: 0.7,
			Source:     SourceUserInput,
		}
		break
	}
}

// inPlacePattern captures "in berlin", "around soho".
var inPlacePattern = regexp.MustCompile(`\b(?:in|around|near)\s+([a-z][a-z-]{2,})`)

var placeStopwords = map[string]bool{
	"the": true, "morning": true, "evening": true, "afternoon": true,
	"this": true, "that": true, "stock": true, "order": true, "case": true,
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"a": 1, "an": 1, "couple": 2, "pair": 2, "dozen": 12,
}

// extractQuantity finds the first count in the utterance.
func extractQuantity(tokens []string) (SlotValue, bool) {
	for _, tok := range tokens {
		if n, err := strconv.Atoi(tok); err == nil && n > 0 && n < 1000 {
			return SlotValue{
				Raw:        tok,
				Normalized: strconv.Itoa(n),
				Confidence: 0.95,
				Source:     SourceUserInput,
			}, true
		}
		if n, ok := numberWords[tok]; ok && tok != "a" && tok != "an" {
			return SlotValue{
				Raw:        tok,
				Normalized: strconv.Itoa(n),
				Confidence: 0.85,
				Source:     SourceUserInput,
			}, true
		}
	}
	return SlotValue{}, false
}

var pricePattern = regexp.MustCompile(`(?:under|below|less than|max)?\s*\$\s*(\d+)`)

// extractPrice reads "$40" and "under $40" style limits.
func extractPrice(lower string) (SlotValue, bool) {
	m := pricePattern.FindStringSubmatch(lower)
	if m == nil {
		if strings.Contains(lower, "cheap") || strings.Contains(lower, "affordable") {
			return SlotValue{
				Raw:        "cheap",
				Normalized: "low",
				Confidence: 0.6,
				Source:     SourceInference,
			}, true
		}
		return SlotValue{}, false
	}
	normalized := "max=" + m[1]
	return SlotValue{
		Raw:        strings.TrimSpace(m[0]),
		Normalized: normalized,
		Confidence: 0.9,
		Source:     SourceUserInput,
	}, true
}

// Merge overlays prior onto current: slots resolved in an earlier
// clarification round carry forward as context, and a confident prior
// intent survives a vaguer follow-up. The resolved/missing partition is
// recomputed before returning.
func Merge(prior, current *SlotFrame) *SlotFrame {
	if current == nil {
		return prior
	}
	if prior == nil {
		finalizeFrame(current)
		return current
	}

	if current.Confidence < prior.Confidence {
		current.Intent = prior.Intent
		current.Confidence = prior.Confidence
	}
	for name, v := range prior.Slots {
		if _, ok := current.Slots[name]; !ok {
			v.Source = SourceContext
			current.Slots[name] = v
		}
	}
	for _, c := range prior.Constraints {
		if !slices.Contains(current.Constraints, c) {
			current.Constraints = append(current.Constraints, c)
		}
	}
	finalizeFrame(current)
	return current
}

// SetSlot stores a value and recomputes the resolved/missing partition.
func (f *SlotFrame) SetSlot(name string, v SlotValue) {
	if f.Slots == nil {
		f.Slots = make(map[string]SlotValue)
	}
	f.Slots[name] = v
	finalizeFrame(f)
}

// finalizeFrame recomputes the resolved/missing partition so the two lists
// stay disjoint and together cover every critical slot.
func finalizeFrame(frame *SlotFrame) {
	if frame.Slots == nil {
		frame.Slots = make(map[string]SlotValue)
	}
	frame.ResolvedSlots = frame.ResolvedSlots[:0]
	frame.MissingSlots = frame.MissingSlots[:0]
	for _, name := range CriticalSlots(frame.Intent) {
		if _, ok := frame.Slots[name]; ok {
			frame.ResolvedSlots = append(frame.ResolvedSlots, name)
		} else {
			frame.MissingSlots = append(frame.MissingSlots, name)
		}
	}
}
