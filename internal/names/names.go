// Package names normalizes legal entity names and scores their similarity.
package names

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalForms lists trailing legal-form tokens dropped during normalization.
// Tokens are matched after punctuation removal, so "S.A.R.L." is "SARL".
var legalForms = map[string]struct{}{
	"LLC": {}, "INC": {}, "INCORPORATED": {}, "CORP": {}, "CORPORATION": {},
	"LTD": {}, "LIMITED": {}, "LP": {}, "LLP": {}, "PLC": {}, "CO": {}, "COMPANY": {},
	"GMBH": {}, "MBH": {}, "AG": {}, "KG": {}, "KGAA": {}, "OHG": {}, "EV": {}, "UG": {},
	"SA": {}, "SAS": {}, "SARL": {}, "SNC": {}, "SCA": {},
	"SPA": {}, "SRL": {}, "SAPA": {},
	"SL": {}, "SLU": {},
	"BV": {}, "NV": {}, "VOF": {}, "CV": {},
	"AB": {}, "AS": {}, "ASA": {}, "APS": {}, "OY": {}, "OYJ": {},
	"SE": {}, "SP": {}, "ZOO": {}, "SRO": {}, "KFT": {}, "ZRT": {}, "NYRT": {},
	"DOO": {}, "DD": {}, "OU": {}, "UAB": {}, "SIA": {}, "EOOD": {}, "OOD": {}, "AD": {},
	"LDA": {}, "EPE": {}, "AE": {}, "IKE": {},
	"JSC": {}, "PJSC": {}, "OJSC": {}, "CJSC": {}, "OAO": {}, "ZAO": {}, "OOO": {}, "PAO": {},
}

var (
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// Fold strips diacritics: "Société Générale" becomes "Societe Generale".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize standardizes an entity name for matching by:
//  1. Folding diacritics and converting to uppercase
//  2. Replacing "&" with "AND" and dropping other punctuation
//  3. Removing trailing legal forms (GmbH, S.A., Ltd, ...)
//  4. Collapsing whitespace
//
// A name consisting only of a legal form is kept as is.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(Fold(name))
	name = strings.NewReplacer("&", " AND ", "-", " ", "/", " ").Replace(name)
	name = strings.NewReplacer(".", "", "'", "", "’", "").Replace(name)
	name = punctRe.ReplaceAllString(name, " ")
	name = multiSpaceRe.ReplaceAllString(strings.TrimSpace(name), " ")

	tokens := strings.Fields(name)
	end := len(tokens)
	for end > 1 {
		if _, ok := legalForms[tokens[end-1]]; ok {
			end--
			continue
		}
		if tokens[end-1] == "AND" && end < len(tokens) {
			end--
			continue
		}
		break
	}
	return strings.Join(tokens[:end], " ")
}

// Trigrams returns the set of character trigrams of s, with each word
// padded by two leading spaces and one trailing space.
func Trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		r := []rune("  " + w + " ")
		for i := 0; i+3 <= len(r); i++ {
			out[string(r[i:i+3])] = struct{}{}
		}
	}
	return out
}

// Similarity is the trigram Jaccard similarity of the normalized forms of
// a and b, in [0, 1].
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return TrigramSimilarity(Trigrams(na), Trigrams(nb))
}

// TrigramSimilarity compares two precomputed trigram sets.
func TrigramSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for g := range a {
		if _, ok := b[g]; ok {
			common++
		}
	}
	return float64(common) / float64(len(a)+len(b)-common)
}
