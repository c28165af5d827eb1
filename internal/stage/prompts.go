package stage

import (
	"fmt"
	"strings"
)

func uspPrompt(productText string) string {
	return fmt.Sprintf(`Analyze the product description below and extract:
1. Unique selling propositions: what sets this product apart from competitors.
2. Emotional triggers: the feelings the product evokes in customers.

Reply with a JSON object with exactly two keys:
- "usps": an array of up to 5 strings
- "emotions": an array of up to 5 strings

Product description: %s

Reply with JSON only.`, productText)
}

const stylePrompt = `Analyze the attached brand image and extract its visual style.

Reply with a JSON object with exactly these keys:
- "dominant_colors": array of objects with "hex_code" and "name", at most 5
- "font_style": string describing the typography
- "tone_of_voice": string describing the brand tone
- "aesthetic": string describing the overall look

Keep each description under 50 words. Reply with JSON only.`

func briefPrompt(uspJSON, styleJSON []byte, campaignID, productID string, scenes int) string {
	return fmt.Sprintf(`As a creative director, write an ad brief for a short video advertisement.

USP and emotion analysis:
%s

Brand style analysis:
%s

Campaign ID: %s
Product ID: %s

Reply with a JSON object of this shape:
{
  "campaignId": %q,
  "productId": %q,
  "creativeConcept": {
    "hook": "opening hook",
    "coreMessage": "main benefit message",
    "callToAction": {"text": "CTA text", "url": "https://example.com/product"}
  },
  "script": [
    {"scene": 1, "duration_seconds": 3, "visuals": "what is on screen", "voiceover": "spoken line"}
  ],
  "styleGuidance": {
    "tone": "tone from the analysis",
    "dominantColors": ["hex codes from the style analysis"],
    "fontStyle": "font style from the analysis"
  }
}

The script must contain exactly %d scenes, each between 2 and 4 seconds.
Use the emotions and tone in creative decisions. Reply with JSON only.`,
		uspJSON, styleJSON, campaignID, productID, campaignID, productID, scenes)
}

func stricterBriefPrompt(base string, scenes int, problem error) string {
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nYour previous reply was rejected: %v.\n", problem)
	fmt.Fprintf(&b, "Return a single JSON object, no markdown, no commentary, with a \"script\" array of exactly %d scenes, each with a positive \"duration_seconds\" and non-empty \"visuals\".", scenes)
	return b.String()
}
