// Package casenumber parses Korean court case numbers such as 2024드단25547.
package casenumber

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	courtWithSpace = regexp.MustCompile(`^\p{Hangul}+(?:법원|지원)\s+`)
	courtNoSpace   = regexp.MustCompile(`^\p{Hangul}+(?:법원|지원)(\d{4})`)
	generalPrefix  = regexp.MustCompile(`^\p{Hangul}+(\d{4}\p{Hangul}+\d+)$`)
	separators     = regexp.MustCompile(`[\s\-\(\)\[\]·]`)
	strictPattern  = regexp.MustCompile(`^(\d{4})(\p{Hangul}+)(\d+)$`)
	loosePattern   = regexp.MustCompile(`(\d{4})(\p{Hangul}+)(\d+)`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Parsed is a case number split into its parts
type Parsed struct {
	Original   string
	Normalized string
	Year       string
	CaseType   string
	Serial     string
}

// StripCourtPrefix removes a leading court name such as "서울가정법원 " or "평택지원"
func StripCourtPrefix(caseNumber string) string {
	result := strings.TrimSpace(caseNumber)

	// court and branch may both be present, e.g. "수원지방법원 평택지원 2024..."
	for i := 0; i < 3; i++ {
		next := strings.TrimSpace(courtWithSpace.ReplaceAllString(result, ""))
		if next == result {
			break
		}
		result = next
	}

	result = courtNoSpace.ReplaceAllString(result, "$1")
	result = generalPrefix.ReplaceAllString(result, "$1")

	return strings.TrimSpace(result)
}

// Normalize strips the court prefix, separators and full-width digits
func Normalize(caseNumber string) string {
	s := separators.ReplaceAllString(StripCourtPrefix(caseNumber), "")

	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return r - '０' + '0'
		}
		return r
	}, s)
}

// Parse normalizes caseNumber and matches YYYY<type><serial>, strictly first
// and then anywhere in the string
func Parse(caseNumber string) (Parsed, error) {
	normalized := Normalize(caseNumber)

	m := strictPattern.FindStringSubmatch(normalized)
	if m == nil {
		m = loosePattern.FindStringSubmatch(normalized)
	}
	if m == nil {
		return Parsed{Original: caseNumber, Normalized: normalized},
			fmt.Errorf("unrecognised case number %q", caseNumber)
	}

	return Parsed{
		Original:   caseNumber,
		Normalized: m[0],
		Year:       m[1],
		CaseType:   m[2],
		Serial:     m[3],
	}, nil
}

// NormalizeCourtName trims and collapses inner whitespace
func NormalizeCourtName(name string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(name), " ")
}

// NormalizeName is used for client and member name lookups
func NormalizeName(name string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(name), " ")
}
