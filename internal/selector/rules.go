package selector

import (
	"strings"
	"unicode"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// Field weights for the rule-based ranking. An exact or substring name
// match dominates; keyword hits outrank description hits.
const (
	weightNameExact   = 1.0
	weightNameSub     = 0.7
	weightKeyword     = 0.5
	weightCategory    = 0.3
	weightDescription = 0.25
)

// k1 is the BM25-style term-frequency saturation constant.
const k1 = 1.2

// scoreRuleMatch ranks a capability against the query without embeddings:
// substring and tokenized matching over name, keywords, category and
// description, saturated per term and normalized to [0, 1].
func scoreRuleMatch(query string, cap *models.Capability) float64 {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	terms := tokenize(queryLower)
	if len(terms) == 0 {
		return 0
	}

	nameLower := strings.ToLower(cap.Name)
	nameTokens := tokenize(nameLower)
	keywordTokens := make(map[string]int)
	for _, kw := range cap.Keywords {
		for _, tok := range tokenize(strings.ToLower(kw)) {
			keywordTokens[tok]++
		}
	}
	categoryTokens := tokenize(strings.ToLower(cap.Category))
	descTokens := tokenize(strings.ToLower(cap.Description))

	var total, best float64
	for _, term := range terms {
		var termScore float64
		switch {
		case nameLower == term:
			termScore = weightNameExact
		case strings.Contains(nameLower, term) || containsToken(nameTokens, term):
			termScore = weightNameSub
		case keywordTokens[term] > 0:
			termScore = weightKeyword * saturate(keywordTokens[term])
		case containsToken(categoryTokens, term):
			termScore = weightCategory
		default:
			if tf := countToken(descTokens, term); tf > 0 {
				termScore = weightDescription * saturate(tf)
			}
		}
		total += termScore
		if termScore > best {
			best = termScore
		}
	}
	if total == 0 {
		return 0
	}

	// Average per-term contribution, biased toward the strongest hit so a
	// single exact name match is not diluted by filler words.
	avg := total / float64(len(terms))
	return clamp01(0.6*best + 0.4*avg)
}

// saturate applies BM25-style term-frequency saturation: tf/(tf+k1),
// always below 1 and flattening quickly for repeated terms.
func saturate(tf int) float64 {
	f := float64(tf)
	return f / (f + k1)
}

func containsToken(tokens []string, term string) bool {
	for _, tok := range tokens {
		if tok == term {
			return true
		}
	}
	return false
}

func countToken(tokens []string, term string) int {
	n := 0
	for _, tok := range tokens {
		if tok == term {
			n++
		}
	}
	return n
}

// tokenize splits on any non-alphanumeric rune, so "web_fetch" yields
// "web" and "fetch".
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
