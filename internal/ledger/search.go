package ledger

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// SearchLimit is the default number of matches a search returns.
	SearchLimit = 25
	// SuggestionPool is how many recent names are considered for "did you
	// mean" suggestions.
	SuggestionPool = 200

	maxSuggestions   = 5
	suggestThreshold = 0.45
	idBonus          = 0.6
	prefixBonus      = 0.15
	containsBonus    = 0.05
)

var balanceToken = regexp.MustCompile(`^balance(>=|<=|>|<|=)(-?\d+(?:\.\d+)?)$`)

// BalanceFilter restricts a search to people whose balance compares to Value
// with Op (one of > < >= <= =).
type BalanceFilter struct {
	Op    string          `json:"op"`
	Value decimal.Decimal `json:"value"`
}

// Match reports whether balance passes the filter.
func (f BalanceFilter) Match(balance decimal.Decimal) bool {
	c := balance.Cmp(f.Value)
	switch f.Op {
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	default:
		return c == 0
	}
}

// Cents is Value rounded to minor units, for SQL comparisons.
func (f BalanceFilter) Cents() int64 {
	return f.Value.Round(2).Shift(2).IntPart()
}

// SearchQuery is a parsed search string. Every ID and keyword must match;
// only the last balance token counts.
type SearchQuery struct {
	Raw      string
	IDs      []int64
	Keywords []string
	Balance  *BalanceFilter
}

func (q SearchQuery) IsZero() bool {
	return len(q.IDs) == 0 && len(q.Keywords) == 0 && q.Balance == nil
}

// ParseSearchQuery splits s on whitespace. Numbers (optionally "#"-prefixed)
// are IDs; debtors, creditors and settled (or positive, negative, zero) are
// balance shorthands; balance>N, balance<=N and friends are explicit balance
// filters; everything else is a case-insensitive name keyword.
func ParseSearchQuery(s string) SearchQuery {
	q := SearchQuery{Raw: strings.TrimSpace(s)}
	for _, tok := range strings.Fields(q.Raw) {
		tok = NameKey(tok)
		if id, err := strconv.ParseInt(strings.TrimPrefix(tok, "#"), 10, 64); err == nil && id > 0 {
			q.IDs = append(q.IDs, id)
			continue
		}
		switch tok {
		case "debtors", "positive":
			q.Balance = &BalanceFilter{Op: ">", Value: decimal.Zero}
			continue
		case "creditors", "negative":
			q.Balance = &BalanceFilter{Op: "<", Value: decimal.Zero}
			continue
		case "settled", "zero":
			q.Balance = &BalanceFilter{Op: "=", Value: decimal.Zero}
			continue
		}
		if m := balanceToken.FindStringSubmatch(tok); m != nil {
			q.Balance = &BalanceFilter{Op: m[1], Value: decimal.RequireFromString(m[2])}
			continue
		}
		q.Keywords = append(q.Keywords, tok)
	}
	return q
}

type SearchResult struct {
	Person  Person          `json:"person"`
	Balance decimal.Decimal `json:"balance"`
	Score   float64         `json:"score"`
	Matched []string        `json:"matched_keywords"`
}

type SearchResponse struct {
	Query       string         `json:"query"`
	Matches     []SearchResult `json:"matches"`
	Suggestions []string       `json:"suggestions"`
}

// Rank scores candidates that already passed the query's filters and returns
// the best limit of them: highest score first, then largest absolute balance,
// then name.
func Rank(q SearchQuery, candidates []PersonBalance, limit int) []SearchResult {
	text := strings.Join(q.Keywords, " ")
	ids := make(map[int64]bool, len(q.IDs))
	for _, id := range q.IDs {
		ids[id] = true
	}

	out := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		key := NameKey(c.Person.Name)
		score := 1.0
		if text != "" {
			score = Similarity(key, text)
		}
		if ids[c.Person.ID] {
			score += idBonus
		}
		var matched []string
		for _, kw := range q.Keywords {
			if !strings.Contains(key, kw) {
				continue
			}
			matched = append(matched, kw)
			score += containsBonus
			if strings.HasPrefix(key, kw) {
				score += prefixBonus
			}
		}
		out = append(out, SearchResult{Person: c.Person, Balance: c.Balance, Score: score, Matched: matched})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := a.Balance.Abs().Cmp(b.Balance.Abs()); c != 0 {
			return c > 0
		}
		return NameKey(a.Person.Name) < NameKey(b.Person.Name)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Suggest returns up to five names that look like the query's keywords, best
// first. It is meant for searches that matched nobody.
func Suggest(q SearchQuery, names []string) []string {
	text := strings.Join(q.Keywords, " ")
	if text == "" {
		return nil
	}
	type scored struct {
		name  string
		ratio float64
	}
	var hits []scored
	for _, n := range names {
		if r := Similarity(NameKey(n), text); r >= suggestThreshold {
			hits = append(hits, scored{n, r})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].ratio > hits[j].ratio })
	out := []string{}
	for i := 0; i < len(hits) && i < maxSuggestions; i++ {
		out = append(out, hits[i].name)
	}
	return out
}

// Similarity is 1 minus the rune edit distance divided by the longer length:
// 1 for equal strings, 0 for nothing in common.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			if a[i-1] == b[j-1] {
				curr[i] = prev[i-1]
			} else {
				curr[i] = 1 + min(prev[i-1], prev[i], curr[i-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(a)]
}
