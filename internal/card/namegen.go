package card

import (
	_ "embed"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Name synthesis. The upstream extractor is asked for a card name sharing no
// character with any receipt item, but its output cannot be trusted to honor
// that, and it is sometimes blank. DeriveName re-derives a compliant name
// deterministically so retries mint the same card.

const (
	// maxNameRunes bounds the final display name.
	maxNameRunes = 18
	// maxSynthesisAttempts bounds the re-salted retry loop.
	maxSynthesisAttempts = 12
	// symbolOnlyFallback contains no letters or digits, so it can never
	// collide with a forbidden character.
	symbolOnlyFallback = "★☆★"
)

// vocabulary holds the word lists for synthesized names.
type vocabulary struct {
	Prefixes   []string `yaml:"prefixes"`
	Cores      []string `yaml:"cores"`
	Suffixes   []string `yaml:"suffixes"`
	Separators []string `yaml:"separators"`
}

//go:embed vocabulary.yaml
var vocabularyYAML []byte

var loadVocabulary = sync.OnceValues(func() (vocabulary, error) {
	var v vocabulary
	if err := yaml.Unmarshal(vocabularyYAML, &v); err != nil {
		return vocabulary{}, fmt.Errorf("parse name vocabulary: %w", err)
	}
	if len(v.Prefixes) == 0 || len(v.Cores) == 0 || len(v.Suffixes) == 0 || len(v.Separators) == 0 {
		return vocabulary{}, fmt.Errorf("name vocabulary is missing a word list")
	}
	return v, nil
})

var foldCaser = cases.Fold()

// DeriveName returns the card's display name. A non-blank extractor-proposed
// name wins outright. Otherwise a name is synthesized from the embedded
// vocabulary such that it shares no letter or digit with any item name.
//
// The synthesis is deterministic for identical inputs: word slots are picked
// by hashing the forbidden character set salted per slot and per attempt.
func DeriveName(proposed string, itemNames []string) string {
	if name := strings.TrimSpace(proposed); name != "" {
		return name
	}
	return SynthesizeName(itemNames)
}

// SynthesizeName builds a name from the vocabulary avoiding every letter and
// digit appearing in itemNames. It always terminates with a usable name.
func SynthesizeName(itemNames []string) string {
	vocab, err := loadVocabulary()
	if err != nil {
		// The vocabulary is embedded; a parse failure is a build defect.
		panic(err)
	}

	forbidden := forbiddenRunes(itemNames)
	seed := forbiddenKey(forbidden)

	prefixes := filterWords(vocab.Prefixes, forbidden)
	cores := filterWords(vocab.Cores, forbidden)
	suffixes := filterWords(vocab.Suffixes, forbidden)
	separators := filterWords(vocab.Separators, forbidden)

	for attempt := 0; attempt < maxSynthesisAttempts; attempt++ {
		candidate := pickWord(prefixes, seed, "prefix", attempt) +
			pickWord(separators, seed, "separator", attempt) +
			pickWord(cores, seed, "core", attempt) +
			pickWord(suffixes, seed, "suffix", attempt)
		if !sharesRune(candidate, forbidden) {
			return truncateRunes(candidate, maxNameRunes)
		}
	}
	return symbolOnlyFallback
}

// forbiddenRunes collects every letter and digit appearing in the item names
// after compatibility normalization and case folding. Punctuation and
// separators are exempt.
func forbiddenRunes(itemNames []string) map[rune]struct{} {
	forbidden := make(map[rune]struct{})
	for _, name := range itemNames {
		for _, r := range normalizeRunes(name) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				forbidden[r] = struct{}{}
			}
		}
	}
	return forbidden
}

func normalizeRunes(s string) string {
	return foldCaser.String(norm.NFKC.String(s))
}

// forbiddenKey renders the forbidden set as a stable string for hashing.
func forbiddenKey(forbidden map[rune]struct{}) string {
	runes := make([]rune, 0, len(forbidden))
	for r := range forbidden {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	return string(runes)
}

// filterWords drops words containing a forbidden rune, keeping the original
// list when filtering would empty it.
func filterWords(words []string, forbidden map[rune]struct{}) []string {
	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if !sharesRune(w, forbidden) {
			filtered = append(filtered, w)
		}
	}
	if len(filtered) == 0 {
		return words
	}
	return filtered
}

func sharesRune(word string, forbidden map[rune]struct{}) bool {
	for _, r := range normalizeRunes(word) {
		if _, ok := forbidden[r]; ok {
			return true
		}
	}
	return false
}

func pickWord(words []string, seed, slot string, attempt int) string {
	h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s|%s|%d", seed, slot, attempt)))
	return words[int(h%uint32(len(words)))]
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
