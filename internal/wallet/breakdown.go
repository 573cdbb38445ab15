package wallet

import (
	"math"
	"strings"
)

// Spend categories shown in the usage breakdown.
const (
	CategoryChat  = "chat"
	CategoryRAG   = "rag"
	CategoryFlow  = "flow"
	CategoryAsset = "asset"
)

var categoryOrder = []string{CategoryChat, CategoryRAG, CategoryFlow, CategoryAsset}

// categoryRules map event types to categories by keyword, first match wins.
// Anything unmatched counts as chat.
var categoryRules = []struct {
	category string
	keywords []string
}{
	{CategoryRAG, []string{"rag", "retriev", "knowledge", "ingest"}},
	{CategoryFlow, []string{"flow", "agent", "orchestr", "boardroom"}},
	{CategoryAsset, []string{"asset", "image", "video", "avatar", "audio"}},
}

// Category classifies an event type.
func Category(eventType string) string {
	et := strings.ToLower(eventType)
	for _, r := range categoryRules {
		for _, kw := range r.keywords {
			if strings.Contains(et, kw) {
				return r.category
			}
		}
	}
	return CategoryChat
}

// Breakdown is spend per category in whole percent. The values sum to
// exactly 100, or are all zero when nothing was spent.
type Breakdown struct {
	Chat  int `json:"chat"`
	RAG   int `json:"rag"`
	Flow  int `json:"flow"`
	Asset int `json:"asset"`
}

// NewBreakdown converts debited credits per event type into percentages.
// The rounding residual goes to the largest bucket.
func NewBreakdown(byEventType map[string]int64) Breakdown {
	totals := map[string]int64{}
	var sum int64
	for et, v := range byEventType {
		if v <= 0 {
			continue
		}
		totals[Category(et)] += v
		sum += v
	}
	if sum == 0 {
		return Breakdown{}
	}

	pct := map[string]int{}
	assigned := 0
	largest := categoryOrder[0]
	for _, c := range categoryOrder {
		p := int(math.Round(float64(totals[c]) * 100 / float64(sum)))
		pct[c] = p
		assigned += p
		if totals[c] > totals[largest] {
			largest = c
		}
	}
	pct[largest] += 100 - assigned

	return Breakdown{
		Chat:  pct[CategoryChat],
		RAG:   pct[CategoryRAG],
		Flow:  pct[CategoryFlow],
		Asset: pct[CategoryAsset],
	}
}
