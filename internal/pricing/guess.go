package pricing

import (
	"strings"
	"unicode"
)

// Price is a catalog price without identity or validity range.
type Price struct {
	InputPer1KUSD    float64
	OutputPer1KUSD   float64
	ToolCallUSD      float64
	ConnectorCallUSD float64
}

// IsZero reports whether the price would bill nothing.
func (p Price) IsZero() bool {
	return p.InputPer1KUSD == 0 && p.OutputPer1KUSD == 0 && p.ToolCallUSD == 0 && p.ConnectorCallUSD == 0
}

// RuleKind tags how a Rule matches a (provider, model) pair.
type RuleKind int

const (
	// MatchExact matches provider and model name exactly.
	MatchExact RuleKind = iota
	// MatchFamily matches when the family keyword is a whole token of the
	// model name, optionally restricted to a provider.
	MatchFamily
	// MatchProvider matches any model of one of the listed providers.
	MatchProvider
)

func (k RuleKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchFamily:
		return "family"
	case MatchProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Rule is one entry of the ordered guess table.
type Rule struct {
	Kind      RuleKind
	Providers []string
	Model     string
	Family    string
	Price     Price
}

// Matches reports whether the rule applies to provider/model. Both inputs
// are expected to be normalized (lowercase, trimmed).
func (r Rule) Matches(provider, model string) bool {
	switch r.Kind {
	case MatchExact:
		return r.Model == model && r.hasProvider(provider)
	case MatchFamily:
		if len(r.Providers) > 0 && !r.hasProvider(provider) {
			return false
		}
		for _, tok := range modelTokens(model) {
			if tok == r.Family {
				return true
			}
		}
		return false
	case MatchProvider:
		return r.hasProvider(provider)
	default:
		return false
	}
}

func (r Rule) hasProvider(provider string) bool {
	for _, p := range r.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// modelTokens splits "gemini-1.5-pro-002" into [gemini 1 5 pro 002]. Family
// keywords only match whole tokens, so "pro" never matches "prompt-guard".
func modelTokens(model string) []string {
	return strings.FieldsFunc(model, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var (
	googleProviders    = []string{"vertex", "google", "gemini"}
	anthropicProviders = []string{"anthropic", "claude"}
	openAIProviders    = []string{"openai", "azure-openai"}
	xaiProviders       = []string{"xai", "grok"}

	flashPrice  = Price{InputPer1KUSD: 0.000075, OutputPer1KUSD: 0.0003}
	proPrice    = Price{InputPer1KUSD: 0.00125, OutputPer1KUSD: 0.005}
	haikuPrice  = Price{InputPer1KUSD: 0.00025, OutputPer1KUSD: 0.00125}
	sonnetPrice = Price{InputPer1KUSD: 0.003, OutputPer1KUSD: 0.015}
	opusPrice   = Price{InputPer1KUSD: 0.015, OutputPer1KUSD: 0.075}
	grokPrice   = Price{InputPer1KUSD: 0.002, OutputPer1KUSD: 0.01}
	gpt4oPrice  = Price{InputPer1KUSD: 0.0025, OutputPer1KUSD: 0.01}
	miniPrice   = Price{InputPer1KUSD: 0.00015, OutputPer1KUSD: 0.0006}
)

// DefaultRules is evaluated top to bottom: exact models, then families, then
// provider-level fallbacks. Order inside the family block matters when a
// model name carries two keywords ("gemini-pro-flash" prices as flash).
var DefaultRules = []Rule{
	{Kind: MatchExact, Providers: googleProviders, Model: "gemini-1.5-flash-002", Price: flashPrice},
	{Kind: MatchExact, Providers: googleProviders, Model: "gemini-1.5-pro-002", Price: proPrice},
	{Kind: MatchExact, Providers: googleProviders, Model: "gemini-2.0-flash", Price: Price{InputPer1KUSD: 0.0001, OutputPer1KUSD: 0.0004}},
	{Kind: MatchExact, Providers: anthropicProviders, Model: "claude-3-5-sonnet", Price: sonnetPrice},
	{Kind: MatchExact, Providers: anthropicProviders, Model: "claude-3-5-haiku", Price: Price{InputPer1KUSD: 0.0008, OutputPer1KUSD: 0.004}},
	{Kind: MatchExact, Providers: openAIProviders, Model: "gpt-4o", Price: gpt4oPrice},
	{Kind: MatchExact, Providers: openAIProviders, Model: "gpt-4o-mini", Price: miniPrice},
	{Kind: MatchExact, Providers: xaiProviders, Model: "grok-2", Price: grokPrice},

	{Kind: MatchFamily, Family: "flash", Price: flashPrice},
	{Kind: MatchFamily, Family: "haiku", Price: haikuPrice},
	{Kind: MatchFamily, Family: "sonnet", Price: sonnetPrice},
	{Kind: MatchFamily, Family: "opus", Price: opusPrice},
	{Kind: MatchFamily, Family: "grok", Price: grokPrice},
	{Kind: MatchFamily, Family: "mini", Providers: openAIProviders, Price: miniPrice},
	{Kind: MatchFamily, Family: "pro", Providers: googleProviders, Price: proPrice},

	{Kind: MatchProvider, Providers: googleProviders, Price: flashPrice},
	{Kind: MatchProvider, Providers: anthropicProviders, Price: sonnetPrice},
	{Kind: MatchProvider, Providers: openAIProviders, Price: gpt4oPrice},
	{Kind: MatchProvider, Providers: xaiProviders, Price: grokPrice},
}

// Guess returns the first rule matching provider/model. Rules with a zero
// price never match: no guess is better than a free row.
func Guess(rules []Rule, provider, model string) (Price, Rule, bool) {
	key := ModelKey{Provider: provider, Model: model}.Normalize()
	for _, r := range rules {
		if r.Price.IsZero() {
			continue
		}
		if r.Matches(key.Provider, key.Model) {
			return r.Price, r, true
		}
	}
	return Price{}, Rule{}, false
}

// BootstrapEntries lists the exact-model rules as catalog rows in the
// unknown region; they seed an empty catalog at startup.
func BootstrapEntries(rules []Rule) []Entry {
	var out []Entry
	for _, r := range rules {
		if r.Kind != MatchExact || len(r.Providers) == 0 {
			continue
		}
		out = append(out, Entry{
			Provider:         r.Providers[0],
			Model:            r.Model,
			Region:           UnknownRegion,
			InputPer1KUSD:    r.Price.InputPer1KUSD,
			OutputPer1KUSD:   r.Price.OutputPer1KUSD,
			ToolCallUSD:      r.Price.ToolCallUSD,
			ConnectorCallUSD: r.Price.ConnectorCallUSD,
			Active:           true,
			Source:           SourceBootstrap,
		})
	}
	return out
}
