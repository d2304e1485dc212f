package fantasy

import (
	"math/rand/v2"
	"strings"
)

var quoteRaces = []string{
	"Elf", "Dwarf", "Halfling", "Human", "Dragonborn", "Gnome",
	"Half-Elf", "Half-Orc", "Tiefling", "Aasimar", "Goliath", "Tabaxi",
}

var quoteTemplates = []string{
	"Turn yourself into a {race}",
	"You would look great as a {race}",
	"{race}? You sure about that?",
	"Ever wondered what you'd look like as a {race}?",
	"Embrace your inner {race}",
	"The {race} life awaits you...",
	"A {race} walks into a tavern...",
	"Your {race} destiny awaits",
	"Behold, the {race} you could become!",
}

// Quote picks a teaser line. A nil rnd uses the global source.
func Quote(rnd *rand.Rand) string {
	pick := rand.IntN
	if rnd != nil {
		pick = rnd.IntN
	}
	tpl := quoteTemplates[pick(len(quoteTemplates))]
	race := quoteRaces[pick(len(quoteRaces))]
	return strings.Replace(tpl, "{race}", race, 1)
}
