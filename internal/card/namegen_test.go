package card

import (
	"testing"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

func TestDeriveNamePrefersProposedName(t *testing.T) {
	got := DeriveName(" 蒼穹の秘宝符 ", []string{"牛乳", "パン"})
	if got != "蒼穹の秘宝符" {
		t.Fatalf("name = %q, want proposed name", got)
	}
}

func TestDeriveNameSynthesizesWhenBlank(t *testing.T) {
	got := DeriveName("  ", []string{"牛乳"})
	if got == "" {
		t.Fatal("expected a synthesized name")
	}
}

func TestSynthesizeNameDeterministic(t *testing.T) {
	items := []string{"牛乳", "食パン", "たまご"}
	first := SynthesizeName(items)
	for i := 0; i < 5; i++ {
		if got := SynthesizeName(items); got != first {
			t.Fatalf("name changed: %q then %q", first, got)
		}
	}
}

func TestSynthesizeNameSharesNoLetterWithItems(t *testing.T) {
	tests := [][]string{
		{},
		{"牛乳"},
		{"牛乳", "食パン", "たまご"},
		{"milk", "BREAD", "eggs 12"},
		{"お茶", "ＣＯＬＡ", "ビール350ml"},
	}
	for _, items := range tests {
		name := SynthesizeName(items)
		if name == "" {
			t.Fatalf("items %v: empty name", items)
		}
		if len([]rune(name)) > maxNameRunes {
			t.Fatalf("items %v: name %q exceeds %d runes", items, name, maxNameRunes)
		}

		forbidden := forbiddenRunes(items)
		for _, r := range normalizeRunes(name) {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				continue
			}
			if _, ok := forbidden[r]; ok {
				t.Fatalf("items %v: name %q shares rune %q", items, name, r)
			}
		}
	}
}

func TestForbiddenRunesNormalizes(t *testing.T) {
	// Full-width and upper-case variants fold onto the same runes.
	forbidden := forbiddenRunes([]string{"ＡＢＣ"})
	for _, r := range "abc" {
		if _, ok := forbidden[r]; !ok {
			t.Fatalf("expected folded rune %q in forbidden set", r)
		}
	}
}

func TestNormalizeRunesNFKC(t *testing.T) {
	if got := norm.NFKC.String("Ｇｏ"); got != "Go" {
		t.Fatalf("NFKC = %q, want %q", got, "Go")
	}
	if got := normalizeRunes("Ｇｏ"); got != "go" {
		t.Fatalf("normalizeRunes = %q, want %q", got, "go")
	}
}

func TestSymbolOnlyFallbackIsSafe(t *testing.T) {
	for _, r := range symbolOnlyFallback {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			t.Fatalf("fallback contains letter/digit %q", r)
		}
	}
}
