package enrich

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/lalith-99/insightops/internal/models"
)

// Lexicon is a deterministic word-list enricher for local runs and tests. It
// never fails and costs nothing.
type Lexicon struct{}

var (
	positiveWords = set("love", "great", "awesome", "excellent", "amazing", "fast", "easy", "nice", "thanks", "helpful", "perfect", "good", "like", "happy", "smooth")
	negativeWords = set("hate", "broken", "bug", "crash", "crashes", "slow", "error", "fails", "failed", "bad", "terrible", "awful", "confusing", "annoying", "worst", "frustrating", "stuck", "cannot", "can't", "doesn't", "nothing", "forever")

	categoryWords = map[string]map[string]bool{
		"bug":             set("bug", "broken", "crash", "crashes", "error", "fails", "failed", "nothing", "stuck"),
		"performance":     set("slow", "lag", "latency", "timeout", "forever", "spins", "loading"),
		"feature_request": set("add", "wish", "feature", "support", "would", "please", "missing"),
		"billing":         set("price", "pricing", "invoice", "charge", "charged", "refund", "billing", "plan", "subscription"),
		"usability":       set("confusing", "find", "hard", "ui", "ux", "design", "navigation", "eyes", "mode"),
	}
	categoryOrder = []string{"bug", "performance", "billing", "feature_request", "usability"}

	stopWords = set("the", "a", "an", "and", "or", "but", "is", "are", "was", "it", "to", "of", "in", "on", "for", "my", "i", "we", "our", "you", "your", "this", "that", "with", "after", "so", "be", "me", "very", "just", "when", "new", "please", "would")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func (Lexicon) Enrich(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := tokenize(req.Text)

	pos, neg := 0, 0
	for _, t := range tokens {
		if positiveWords[t] {
			pos++
		}
		if negativeWords[t] {
			neg++
		}
	}
	sentiment := models.SentimentNeutral
	score := 0.0
	if total := pos + neg; total > 0 {
		score = float64(pos-neg) / float64(total)
		switch {
		case score > 0.2:
			sentiment = models.SentimentPositive
		case score < -0.2:
			sentiment = models.SentimentNegative
		}
	}
	confidence := 0.5
	if pos+neg > 0 {
		confidence = 0.6 + 0.4*abs(score)
	}

	categories := categorize(tokens)
	if sentiment == models.SentimentPositive && len(categories) == 0 {
		categories = []string{"praise"}
	}
	if len(categories) == 0 {
		categories = []string{"general"}
	}
	primary := categories[0]

	priority := 1
	switch {
	case sentiment == models.SentimentNegative && primary == "bug":
		priority = 5
	case sentiment == models.SentimentNegative:
		priority = 4
	case primary == "feature_request":
		priority = 2
	}

	summary := summarize(req.Text)
	return &Result{
		Sentiment:       &sentiment,
		SentimentScore:  &score,
		ConfidenceScore: &confidence,
		Category:        &primary,
		Categories:      categories,
		Keywords:        keywords(tokens, 5),
		Summary:         &summary,
		PriorityScore:   &priority,
	}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '_'
	})
}

func categorize(tokens []string) []string {
	hits := make(map[string]int)
	for _, t := range tokens {
		for cat, words := range categoryWords {
			if words[t] {
				hits[cat]++
			}
		}
	}
	out := make([]string, 0, len(hits))
	for _, cat := range categoryOrder {
		if hits[cat] > 0 {
			out = append(out, cat)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return hits[out[i]] > hits[out[j]] })
	return out
}

func keywords(tokens []string, n int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, t := range tokens {
		if len(t) < 3 || stopWords[t] {
			continue
		}
		if _, ok := first[t]; !ok {
			first[t] = i
		}
		counts[t]++
	}
	out := make([]string, 0, len(counts))
	for t := range counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return first[out[i]] < first[out[j]]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i+1]
	}
	if r := []rune(text); len(r) > 200 {
		text = string(r[:197]) + "..."
	}
	return text
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
