package parser

import (
	"slices"
	"strings"
	"unicode"
)

// portionsMarker precedes the number of portions in a title ("... N 30").
const portionsMarker = "N"

type TitleParts struct {
	Title          string
	PortionsAmount string
	PortionSize    string
	MedsPercentage string
}

// DecomposeTitle splits a raw catalogue title into a clean display name and
// the size, percentage and portions tokens embedded in it.
//
// Everything from the "N" marker on is dropped from the name. Size and
// percentage tokens found after the marker are still reported, but never
// override ones found before it.
func DecomposeTitle(raw string, unitSymbols []string) TitleParts {
	var parts TitleParts

	tokens := strings.Fields(raw)
	var tail []string
	if i := slices.Index(tokens, portionsMarker); i >= 0 {
		if i+1 < len(tokens) {
			parts.PortionsAmount = tokens[i+1]
			tail = tokens[i+2:]
		}
		tokens = tokens[:i]
	}

	tokens = groupUnits(tokens, unitSymbols)

	marked := make(map[int]bool)
	for i, token := range tokens {
		switch classifyToken(token, unitSymbols) {
		case tokenSize:
			parts.PortionSize = token
			marked[i] = true
		case tokenPercentage:
			parts.MedsPercentage = token
			marked[i] = true
		}
	}

	for _, token := range groupUnits(tail, unitSymbols) {
		switch classifyToken(token, unitSymbols) {
		case tokenSize:
			if parts.PortionSize == "" {
				parts.PortionSize = token
			}
		case tokenPercentage:
			if parts.MedsPercentage == "" {
				parts.MedsPercentage = token
			}
		}
	}

	kept := make([]string, 0, len(tokens))
	for i, token := range tokens {
		if !marked[i] {
			kept = append(kept, token)
		}
	}

	parts.Title = strings.Join(kept, " ")
	switch {
	case parts.PortionSize == "":
	case parts.Title == "":
		parts.Title = parts.PortionSize
	default:
		parts.Title = parts.Title + ", " + parts.PortionSize
	}

	return parts
}

type tokenKind int

const (
	tokenPlain tokenKind = iota
	tokenSize
	tokenPercentage
)

// classifyToken checks unit symbols before "%", so a token is never both.
func classifyToken(token string, unitSymbols []string) tokenKind {
	if !strings.ContainsFunc(token, unicode.IsDigit) {
		return tokenPlain
	}
	for _, symbol := range unitSymbols {
		if symbol != "" && strings.Contains(token, symbol) {
			return tokenSize
		}
	}
	if strings.Contains(token, "%") {
		return tokenPercentage
	}
	return tokenPlain
}

// groupUnits joins a bare magnitude with a following unit-only token:
// ["500", "mg"] -> ["500 mg"].
func groupUnits(tokens []string, unitSymbols []string) []string {
	if len(tokens) < 2 {
		return tokens
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if i+1 < len(tokens) && isMagnitude(tokens[i]) {
			if unit := strings.TrimRight(tokens[i+1], ".,"); slices.Contains(unitSymbols, unit) {
				out = append(out, tokens[i]+" "+unit)
				i++
				continue
			}
		}
		out = append(out, tokens[i])
	}
	return out
}

func isMagnitude(token string) bool {
	hasDigit := false
	for _, r := range token {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case r == '.' || r == ',':
		default:
			return false
		}
	}
	return hasDigit
}
