// Package intent classifies analyst questions and pulls out the entities the
// SQL writer filters on.
package intent

import (
	"regexp"
	"strings"
)

// Label is the kind of analysis a question asks for.
type Label string

const (
	General       Label = "general"
	SalesAnalysis Label = "sales_analysis"
	Trend         Label = "trend"
	Comparison    Label = "comparison"
)

// Entities are the warehouse values named in a question.
type Entities struct {
	Brands   []string `json:"brands,omitempty"`
	Regions  []string `json:"regions,omitempty"`
	Quarters []int    `json:"quarters,omitempty"`
}

// Decision is the resolved intent with its keyword score.
type Decision struct {
	Intent   Label    `json:"intent"`
	Score    int      `json:"score"`
	Entities Entities `json:"entities"`
}

// Catalog lists the values entity extraction recognizes.
type Catalog struct {
	Brands  []string
	Regions []string
}

// labels in tie-break order
var labels = []Label{Comparison, Trend, SalesAnalysis}

var keywordBuckets = map[Label][]string{
	SalesAnalysis: {
		"sales", "sold", "revenue", "value", "units", "total", "how much", "how many", "top", "best",
		"performance", "share", "销售", "销量", "收入",
	},
	Trend: {
		"trend", "over time", "monthly", "month by month", "growth", "grow", "grew", "decline",
		"increase", "decrease", "trajectory", "since", "趋势", "增长",
	},
	Comparison: {
		"compare", "comparison", "versus", " vs", "against", "difference", "between", "which region",
		"which brand", "rank", "对比", "比较",
	},
}

var quarterPattern = regexp.MustCompile(`\bq([1-4])\b`)

// Resolve scores question against the keyword buckets and extracts entities.
// Questions matching no bucket but naming a brand or region fall back to
// sales analysis.
func Resolve(question string, catalog Catalog) Decision {
	normalized := " " + strings.TrimSpace(strings.ToLower(question)) + " "
	entities := extract(normalized, catalog)

	best, bestScore := General, 0
	for _, label := range labels {
		score := 0
		for _, word := range keywordBuckets[label] {
			if strings.Contains(normalized, word) {
				score += 3
			}
		}
		if score > bestScore {
			best, bestScore = label, score
		}
	}

	// naming two or more brands or regions reads as a comparison
	if len(entities.Brands) > 1 || len(entities.Regions) > 1 {
		if best == General || best == SalesAnalysis {
			best = Comparison
		}
		bestScore += 2
	}

	if best == General && (len(entities.Brands) > 0 || len(entities.Regions) > 0 || len(entities.Quarters) > 0) {
		best, bestScore = SalesAnalysis, 1
	}

	return Decision{Intent: best, Score: bestScore, Entities: entities}
}

func extract(normalized string, catalog Catalog) Entities {
	var e Entities
	for _, brand := range catalog.Brands {
		if brand != "" && strings.Contains(normalized, strings.ToLower(brand)) {
			e.Brands = append(e.Brands, brand)
		}
	}
	for _, region := range catalog.Regions {
		if region != "" && strings.Contains(normalized, strings.ToLower(region)) {
			e.Regions = append(e.Regions, region)
		}
	}
	seen := make(map[int]bool)
	for _, m := range quarterPattern.FindAllStringSubmatch(normalized, -1) {
		q := int(m[1][0] - '0')
		if !seen[q] {
			seen[q] = true
			e.Quarters = append(e.Quarters, q)
		}
	}
	return e
}
