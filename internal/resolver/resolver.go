// Package resolver links free-text seller names from the upstream CRM to
// internal employee records.
//
// Scoring is pure and deterministic; existing contract links were produced
// by the same rules, so weights, threshold and tie-break must not drift.
package resolver

import (
	"strings"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/text/unicode/norm"
)

const (
	exactPoints     = 100
	substringPoints = 50
	namePoints      = 30
	completionBonus = 500

	// Threshold is the minimum score accepted as a match.
	Threshold = 100
)

// Candidate is an employee eligible to be linked as advisor.
type Candidate struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
}

// Match is the accepted candidate and its score.
type Match struct {
	Candidate Candidate
	Score     int
}

// Tokenize normalises s (NFC, upper case) and splits it on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(upper(s))
}

func upper(s string) string {
	return strings.ToUpper(norm.NFC.String(s))
}

// Score rates one candidate against the seller's name parts.
//
// Per seller part, the first rule that applies counts:
//
//	+100  equals a candidate name part
//	 +50  is a substring of a candidate name part
//	 +30  is a substring of the candidate's first or last name
//
// +500 more when every seller part matched.
func Score(sellerParts []string, c Candidate) int {
	if len(sellerParts) == 0 {
		return 0
	}
	first, last := upper(c.FirstName), upper(c.LastName)
	parts := append(strings.Fields(first), strings.Fields(last)...)

	score, matched := 0, 0
	for _, sp := range sellerParts {
		switch {
		case containsPart(parts, sp):
			score += exactPoints
		case anyContains(parts, sp):
			score += substringPoints
		case strings.Contains(first, sp) || strings.Contains(last, sp):
			score += namePoints
		default:
			continue
		}
		matched++
	}
	if matched == len(sellerParts) {
		score += completionBonus
	}
	return score
}

// Resolve returns the best-scoring candidate for sellerText, or false when
// nothing reaches Threshold. Ties keep the earliest candidate, so callers
// must pass candidates in a stable order.
func Resolve(sellerText string, candidates []Candidate) (Match, bool) {
	parts := Tokenize(sellerText)
	if len(parts) == 0 {
		return Match{}, false
	}

	var best Match
	found := false
	for _, c := range candidates {
		s := Score(parts, c)
		if !found || s > best.Score {
			best = Match{Candidate: c, Score: s}
			found = true
		}
	}
	if !found || best.Score < Threshold {
		return Match{}, false
	}
	return best, true
}

func containsPart(parts []string, p string) bool {
	for _, cp := range parts {
		if cp == p {
			return true
		}
	}
	return false
}

func anyContains(parts []string, p string) bool {
	for _, cp := range parts {
		if strings.Contains(cp, p) {
			return true
		}
	}
	return false
}
