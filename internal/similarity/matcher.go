// Package similarity flags existing issues that look like duplicates of a
// title being typed. It is advisory only; nothing here blocks creation.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/joescharf/triage/internal/models"
)

const (
	// MinTitleLength is the shortest candidate title that is checked at all.
	MinTitleLength = 3

	// DisplayLimit is how many matches adapters show in a duplicate warning.
	DisplayLimit = 3
)

// Tokens returns the significant words of title: lowercased, split on
// whitespace, keeping only words longer than two characters.
func Tokens(title string) []string {
	var tokens []string
	for _, word := range strings.Fields(strings.ToLower(title)) {
		if utf8.RuneCountInString(word) > 2 {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

// FindSimilar returns the issues whose title or description contains at
// least half (rounded up) of the candidate's tokens as substrings. Matches
// keep the order of existing.
func FindSimilar(candidateTitle string, existing []*models.Issue) []*models.Issue {
	if utf8.RuneCountInString(candidateTitle) < MinTitleLength {
		return nil
	}
	tokens := Tokens(candidateTitle)
	if len(tokens) == 0 {
		return nil
	}
	need := (len(tokens) + 1) / 2

	var matches []*models.Issue
	for _, issue := range existing {
		if matchCount(tokens, issue) >= need {
			matches = append(matches, issue)
		}
	}
	return matches
}

func matchCount(tokens []string, issue *models.Issue) int {
	title := strings.ToLower(issue.Title)
	desc := strings.ToLower(issue.Description)
	n := 0
	for _, tok := range tokens {
		if strings.Contains(title, tok) || strings.Contains(desc, tok) {
			n++
		}
	}
	return n
}

// Truncate returns at most limit issues for display.
func Truncate(issues []*models.Issue, limit int) []*models.Issue {
	if limit >= 0 && len(issues) > limit {
		return issues[:limit]
	}
	return issues
}
