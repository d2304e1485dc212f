package handlers

import (
	"strings"
	"unicode"

	"dnd-ai-helper/internal/fantasy"
)

const maxSpan = 4

type selection struct {
	Race   string
	Region string
}

func (s selection) empty() bool { return s.Race == "" && s.Region == "" }

// parseSelection finds a race and a region named in free text such as
// "wood elf from baldur's gate". Longer phrases win over their parts.
func parseSelection(text string) selection {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == '!' || r == '?'
	})

	var sel selection
	used := make([]bool, len(words))
	for n := min(maxSpan, len(words)); n >= 1; n-- {
		for i := 0; i+n <= len(words); i++ {
			if anyUsed(used[i : i+n]) {
				continue
			}
			span := words[i : i+n]
			if sel.Race == "" {
				if opt, ok := lookupSpan(span, fantasy.LookupRace); ok {
					sel.Race = opt.Key
					markUsed(used[i : i+n])
					continue
				}
			}
			if sel.Region == "" {
				if opt, ok := lookupSpan(span, fantasy.LookupRegion); ok {
					sel.Region = opt.Key
					markUsed(used[i : i+n])
				}
			}
		}
	}
	return sel
}

func lookupSpan(span []string, lookup func(string) (fantasy.NamedOption, bool)) (fantasy.NamedOption, bool) {
	if opt, ok := lookup(strings.Join(span, " ")); ok {
		return opt, true
	}
	return lookup(strings.Join(span, "-"))
}

func anyUsed(flags []bool) bool {
	for _, f := range flags {
		if f {
			return true
		}
	}
	return false
}

func markUsed(flags []bool) {
	for i := range flags {
		flags[i] = true
	}
}
