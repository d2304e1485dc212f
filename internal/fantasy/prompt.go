package fantasy

import (
	"fmt"
	"strings"
)

// DefaultSubject stands in for the photo description when captioning produced nothing.
const DefaultSubject = "a person"

// BuildPrompt renders the direct transformation template. It works from the
// source photo alone; race and region are embedded exactly as given.
func BuildPrompt(race, region string) string {
	var b strings.Builder
	b.Grow(512)

	b.WriteString(fmt.Sprintf("Transform this person into a %s character from %s in a Dungeons & Dragons fantasy style.\n", race, region))
	b.WriteString(fmt.Sprintf("The character should have distinctive %s features and wear clothing/armor appropriate for the %s region.\n", race, region))
	b.WriteString(styleLine)

	return b.String()
}

// BuildCaptionedPrompt renders the template used after the photo has been
// described. A blank description falls back to DefaultSubject.
func BuildCaptionedPrompt(race, region, description string) string {
	subject := strings.TrimSpace(description)
	if subject == "" {
		subject = DefaultSubject
	}

	var b strings.Builder
	b.Grow(512)

	b.WriteString(fmt.Sprintf("A portrait of %s, reimagined as a %s character from %s in a Dungeons & Dragons fantasy style.\n", subject, race, region))
	b.WriteString("Keep the subject's pose, face shape and expression recognisable.\n")
	b.WriteString(fmt.Sprintf("Give them distinctive %s features and clothing/armor appropriate for the %s region.\n", race, region))
	b.WriteString(styleLine)

	return b.String()
}

const styleLine = "High fantasy art style, detailed, dramatic lighting, epic atmosphere."
