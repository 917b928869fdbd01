// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// newMatcher builds the MatchFunc for a configuration, validating it
// first. Nothing is registered when validation fails.
func newMatcher(config Config) (MatchFunc, error) {
	switch config.Type {
	case TypeRegex:
		return newRegexMatcher(config)
	case TypeString:
		return newStringMatcher(config)
	case TypeAnsi:
		return newAnsiMatcher(config)
	case TypeCustom:
		if config.Matcher == nil {
			return nil, &ValidationError{Field: "matcher", Detail: "custom pattern requires a matcher function"}
		}
		return config.Matcher, nil
	default:
		return nil, &ValidationError{Field: "type", Detail: fmt.Sprintf("unknown pattern type %q", config.Type)}
	}
}

func newRegexMatcher(config Config) (MatchFunc, error) {
	if config.Pattern == "" {
		return nil, &ValidationError{Field: "pattern", Detail: "regex pattern must be non-empty"}
	}

	var flags string
	if !config.Options.caseSensitive() {
		flags += "i"
	}
	if config.Options.Multiline {
		flags += "m"
	}
	source := config.Pattern
	if flags != "" {
		source = "(?" + flags + ")" + source
	}

	expression, err := regexp.Compile(source)
	if err != nil {
		return nil, &ValidationError{Field: "pattern", Detail: err.Error()}
	}

	names := expression.SubexpNames()
	return func(chunk, rolling string) []Match {
		var matches []Match
		for _, indexes := range expression.FindAllStringSubmatchIndex(chunk, -1) {
			match := Match{
				Text:     chunk[indexes[0]:indexes[1]],
				Position: indexes[0],
			}
			for i, name := range names {
				if i == 0 || name == "" {
					continue
				}
				start, end := indexes[2*i], indexes[2*i+1]
				if start < 0 {
					continue
				}
				if match.Groups == nil {
					match.Groups = make(map[string]string)
				}
				match.Groups[name] = chunk[start:end]
			}
			matches = append(matches, match)
		}
		return matches
	}, nil
}

func newStringMatcher(config Config) (MatchFunc, error) {
	if config.Pattern == "" {
		return nil, &ValidationError{Field: "pattern", Detail: "string pattern must be non-empty"}
	}

	needle := config.Pattern
	fold := !config.Options.caseSensitive()
	if fold {
		needle = strings.ToLower(needle)
	}

	return func(chunk, rolling string) []Match {
		haystack := chunk
		if fold {
			haystack = strings.ToLower(chunk)
		}

		var matches []Match
		for offset := 0; ; {
			index := strings.Index(haystack[offset:], needle)
			if index < 0 {
				break
			}
			position := offset + index
			matches = append(matches, Match{
				Text:     lineAround(chunk, position),
				Position: position,
			})
			offset = position + len(needle)
		}
		return matches
	}, nil
}

// lineAround returns the full line of chunk containing the byte at
// position, without the line terminator.
func lineAround(chunk string, position int) string {
	start := strings.LastIndexByte(chunk[:position], '\n') + 1
	end := strings.IndexByte(chunk[position:], '\n')
	if end < 0 {
		end = len(chunk)
	} else {
		end += position
	}
	return strings.TrimRight(chunk[start:end], "\r")
}

func newAnsiMatcher(config Config) (MatchFunc, error) {
	category := config.Pattern
	switch category {
	case "", CategoryCursor, CategoryColor, CategoryClear, CategoryOther:
	default:
		return nil, &ValidationError{
			Field:  "pattern",
			Detail: "ansi pattern must be a category (cursor, color, clear, other) or empty for all",
		}
	}

	return func(chunk, rolling string) []Match {
		var matches []Match
		for _, sequence := range scanCSI(chunk) {
			if category != "" && sequence.Category != category {
				continue
			}
			matches = append(matches, Match{
				Text:     sequence.Sequence,
				Position: sequence.Position,
			})
		}
		return matches
	}, nil
}
