package capability

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// stopWords mirrors scikit-learn's English stop-word list restricted to
// the terms that actually appear in tool name/description/parameter
// corpora (equipment nouns and domain terms are never stopped).
var stopWords = map[string]bool{
	"a": true, "about": true, "above": true, "after": true, "again": true,
	"against": true, "all": true, "am": true, "an": true, "and": true,
	"any": true, "are": true, "as": true, "at": true, "be": true,
	"because": true, "been": true, "before": true, "being": true,
	"below": true, "between": true, "both": true, "but": true, "by": true,
	"can": true, "did": true, "do": true, "does": true, "doing": true,
	"down": true, "during": true, "each": true, "few": true, "for": true,
	"from": true, "further": true, "had": true, "has": true, "have": true,
	"having": true, "he": true, "her": true, "here": true, "hers": true,
	"herself": true, "him": true, "himself": true, "his": true, "how": true,
	"i": true, "if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "itself": true, "me": true, "more": true, "most": true,
	"my": true, "myself": true, "no": true, "nor": true, "not": true,
	"of": true, "off": true, "on": true, "once": true, "only": true,
	"or": true, "other": true, "our": true, "ours": true, "ourselves": true,
	"out": true, "over": true, "own": true, "same": true, "she": true,
	"should": true, "so": true, "some": true, "such": true, "than": true,
	"that": true, "the": true, "their": true, "theirs": true, "them": true,
	"themselves": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true, "to": true,
	"too": true, "under": true, "until": true, "up": true, "very": true,
	"was": true, "we": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "who": true, "whom": true,
	"why": true, "will": true, "with": true, "you": true, "your": true,
	"yours": true, "yourself": true, "yourselves": true,
}

var caseFold = cases.Fold()

// tokenize case-folds, Unicode-normalizes, and splits text into word
// tokens, matching scikit-learn's default `token_pattern` (runs of two
// or more word characters), then drops stop words.
func tokenize(text string) []string {
	folded := caseFold.String(norm.NFKC.String(text))

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			tok := cur.String()
			if !stopWords[tok] {
				tokens = append(tokens, tok)
			}
		}
		cur.Reset()
	}
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ngrams builds unigrams and bigrams from tokens, matching
// TfidfVectorizer(ngram_range=(1, 2)).
func ngrams(tokens []string) []string {
	grams := make([]string, 0, 2*len(tokens))
	grams = append(grams, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		grams = append(grams, tokens[i]+" "+tokens[i+1])
	}
	return grams
}

// documentTerms returns the final token/bigram multiset for one tool's
// corpus document: "{name} {description} {param names}".
func documentTerms(corpus string) []string {
	return ngrams(tokenize(corpus))
}
