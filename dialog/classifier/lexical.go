package classifier

import (
	"strings"

	"github.com/hrygo/dialogd/dialog/registry"
)

// lexicalScores produces a per-intent score in [0,1] from keyword hits and
// example similarity. Keyword matching goes through synonym expansion;
// example similarity is character-bigram Dice, which behaves for CJK input
// where whitespace tokenization does not.
func (c *Classifier) lexicalScores(snap *registry.Snapshot, input string) map[string]float64 {
	norm := normalizeLexical(snap, input)
	scores := make(map[string]float64)

	for _, intent := range snap.Intents() {
		kw := keywordScore(snap, norm, intent.Def.Keywords)
		ex := exampleScore(snap, norm, intent.Def.Examples)

		var score float64
		switch {
		case len(intent.Def.Keywords) > 0 && len(intent.Def.Examples) > 0:
			score = 0.6*kw + 0.4*ex
		case len(intent.Def.Keywords) > 0:
			score = kw
		case len(intent.Def.Examples) > 0:
			score = ex
		}
		if score > 0 {
			scores[intent.Def.Name] = clamp01(score)
		}
	}
	return scores
}

func keywordScore(snap *registry.Snapshot, normInput string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if containsTerm(normInput, kw) {
			hits++
			continue
		}
		for _, syn := range snap.Synonyms(kw) {
			if containsTerm(normInput, syn) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(keywords))
}

func exampleScore(snap *registry.Snapshot, normInput string, examples []string) float64 {
	var best float64
	for _, ex := range examples {
		if d := diceBigram(normInput, normalizeLexical(snap, ex)); d > best {
			best = d
		}
	}
	return best
}

func containsTerm(normInput, term string) bool {
	t := strings.ToLower(strings.Join(strings.Fields(term), ""))
	return t != "" && strings.Contains(normInput, t)
}

// normalizeLexical lowercases, strips whitespace and removes stop words.
func normalizeLexical(snap *registry.Snapshot, s string) string {
	out := strings.ToLower(strings.Join(strings.Fields(s), ""))
	for sw := range snap.StopWords() {
		out = strings.ReplaceAll(out, sw, "")
	}
	return out
}

// diceBigram is the Sørensen–Dice coefficient over rune bigrams.
func diceBigram(a, b string) float64 {
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	var shared int
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				shared += m
			} else {
				shared += n
			}
		}
	}
	var ta, tb int
	for _, n := range ba {
		ta += n
	}
	for _, n := range bb {
		tb += n
	}
	return 2 * float64(shared) / float64(ta+tb)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	if len(runes) == 1 {
		out[string(runes)] = 1
		return out
	}
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}
