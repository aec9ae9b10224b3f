package store

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// SearchNotes ranks notes against the query: exact and substring matches
// on title/tags/content, per-token hits, and a recency boost decaying
// linearly over twelve days.
func (s *Store) SearchNotes(sc Scope, query string, limit int) ([]*Note, error) {
	notes, err := s.ListNotes(sc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || len(notes) == 0 {
		return nil, nil
	}

	q := strings.ToLower(strings.TrimSpace(query))
	tokens := tokenize(q)
	now := s.now().UTC()

	type scored struct {
		note  *Note
		score float64
	}
	var hits []scored

	for _, n := range notes {
		title := strings.ToLower(n.Title)
		content := strings.ToLower(n.Content)
		tags := make([]string, len(n.Tags))
		for i, t := range n.Tags {
			tags[i] = strings.ToLower(t)
		}

		var score float64
		if title == q {
			score += 200
		}
		for _, t := range tags {
			if t == q {
				score += 140
				break
			}
		}
		if strings.Contains(title, q) {
			score += 120
		}
		for _, t := range tags {
			if strings.Contains(t, q) {
				score += 90
				break
			}
		}
		if strings.Contains(content, q) {
			score += 70
		}

		for _, tok := range tokens {
			if strings.Contains(title, tok) {
				score += 18
			}
			for _, t := range tags {
				if strings.Contains(t, tok) {
					score += 14
					break
				}
			}
			if strings.Contains(content, tok) {
				score += 9
			}
		}

		if score > 0 {
			age := now.Sub(n.UpdatedAt)
			if window := 12 * 24 * time.Hour; age < window {
				score += 12 * (1 - float64(age)/float64(window))
			}
			hits = append(hits, scored{note: n, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*Note, len(hits))
	for i, h := range hits {
		out[i] = h.note
	}
	return out, nil
}

// DefaultMemoryWindow bounds how many recent messages conversation
// memory search considers.
const DefaultMemoryWindow = 500

// SearchConversation scores the last window messages by token overlap
// with the query, position recency and a role boost, and returns the top
// limit matches in chronological order.
func (s *Store) SearchConversation(sc Scope, query string, window, limit int) ([]*Message, error) {
	if window <= 0 {
		window = DefaultMemoryWindow
	}
	msgs, err := s.LoadMessages(sc, window)
	if err != nil {
		return nil, err
	}

	qTokens := contentTokens(query)
	if len(qTokens) == 0 || len(msgs) == 0 {
		return nil, nil
	}

	type scored struct {
		msg   *Message
		idx   int
		score float64
	}
	var hits []scored

	for i, m := range msgs {
		mTokens := contentTokens(m.Content)
		if len(mTokens) == 0 {
			continue
		}
		overlap := 0
		for tok := range qTokens {
			if mTokens[tok] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}

		score := 3 * float64(overlap)
		if len(msgs) > 1 {
			score += float64(i) / float64(len(msgs)-1)
		}
		switch m.Role {
		case "user":
			score += 0.3
		case "assistant":
			score += 0.2
		}
		hits = append(hits, scored{msg: m, idx: i, score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	// Chronological order for the prompt.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].idx < hits[j].idx })

	out := make([]*Message, len(hits))
	for i, h := range hits {
		out[i] = h.msg
	}
	return out, nil
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// stopwords is the bilingual (Spanish/English) filter applied to
// conversation memory tokens.
var stopwords = map[string]bool{
	// Spanish
	"que": true, "los": true, "las": true, "una": true, "uno": true,
	"con": true, "por": true, "para": true, "del": true, "este": true,
	"esta": true, "esto": true, "estos": true, "estas": true, "pero": true,
	"como": true, "mas": true, "más": true, "muy": true, "tambien": true,
	"también": true, "donde": true, "cuando": true, "porque": true,
	"hay": true, "ser": true, "son": true, "fue": true, "tiene": true,
	"hacer": true, "puede": true, "todo": true, "toda": true, "sobre": true,
	"entre": true, "desde": true, "hasta": true, "sin": true, "nos": true,
	// English
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"but": true, "not": true, "you": true, "all": true, "can": true,
	"had": true, "has": true, "have": true, "her": true, "his": true,
	"one": true, "our": true, "out": true, "this": true, "that": true,
	"with": true, "they": true, "them": true, "then": true, "than": true,
	"what": true, "when": true, "where": true, "which": true, "will": true,
	"would": true, "there": true, "their": true, "about": true, "been": true,
	"from": true, "into": true, "just": true, "like": true, "some": true,
	"your": true,
}

// contentTokens lowercases, extracts word runs of length >= 3 and drops
// stopwords.
func contentTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// tokenize splits a query into lowercase word tokens (no stopword drop;
// note search scores every token).
func tokenize(q string) []string {
	return wordRe.FindAllString(strings.ToLower(q), -1)
}
