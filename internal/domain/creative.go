package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const DocumentVersion = "1.0"

// USPAnalysis is the output of the USP and emotion extraction stage.
type USPAnalysis struct {
	Version    string   `json:"version"`
	USPs       []string `json:"usps"`
	Emotions   []string `json:"emotions"`
	SourceText string   `json:"sourceText,omitempty"`
}

func (a USPAnalysis) Validate() error {
	if len(nonEmpty(a.USPs)) == 0 {
		return fmt.Errorf("usps: at least one entry is required")
	}
	return nil
}

// StyleAnalysis is the output of the brand style analysis stage.
type StyleAnalysis struct {
	Version        string    `json:"version"`
	Tone           string    `json:"tone"`
	DominantColors ColorList `json:"dominantColors"`
	FontStyle      string    `json:"fontStyle"`
}

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// IsHexColor reports whether s is a #rgb or #rrggbb color.
func IsHexColor(s string) bool {
	return hexColor.MatchString(strings.TrimSpace(s))
}

func (a StyleAnalysis) Validate() error {
	if len(a.DominantColors) == 0 {
		return fmt.Errorf("dominantColors: at least one entry is required")
	}
	for _, c := range a.DominantColors {
		if !IsHexColor(c) {
			return fmt.Errorf("dominantColors: %q is not a hex color", c)
		}
	}
	return nil
}

// ColorList decodes either ["#hex", ...] or [{"hex_code": "#hex", "name": ...}, ...].
type ColorList []string

func (c *ColorList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ColorList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, strings.TrimSpace(s))
			continue
		}
		var obj struct {
			HexCode string `json:"hex_code"`
			Hex     string `json:"hex"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("color entry: %w", err)
		}
		if obj.HexCode == "" {
			obj.HexCode = obj.Hex
		}
		out = append(out, strings.TrimSpace(obj.HexCode))
	}
	*c = out
	return nil
}

// AdBrief is the synthesized creative brief reviewed before video rendering.
type AdBrief struct {
	CampaignID      string          `json:"campaignId"`
	ProductID       string          `json:"productId"`
	Metadata        BriefMetadata   `json:"metadata"`
	CreativeConcept CreativeConcept `json:"creativeConcept"`
	Script          []Scene         `json:"script"`
	StyleGuidance   StyleGuidance   `json:"styleGuidance"`
}

type BriefMetadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreativeConcept struct {
	Hook         string       `json:"hook"`
	CoreMessage  string       `json:"coreMessage"`
	CallToAction CallToAction `json:"callToAction"`
}

type CallToAction struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type Scene struct {
	Scene           int     `json:"scene"`
	DurationSeconds float64 `json:"duration_seconds"`
	Visuals         string  `json:"visuals"`
	Voiceover       string  `json:"voiceover"`
}

type StyleGuidance struct {
	Tone           string    `json:"tone"`
	DominantColors ColorList `json:"dominantColors"`
	FontStyle      string    `json:"fontStyle"`
}

// Validate checks the script has exactly scenes entries with positive durations.
func (b AdBrief) Validate(scenes int) error {
	if len(b.Script) != scenes {
		return fmt.Errorf("script: got %d scenes, want %d", len(b.Script), scenes)
	}
	for i, s := range b.Script {
		if s.DurationSeconds <= 0 {
			return fmt.Errorf("script[%d]: duration_seconds must be > 0", i)
		}
		if strings.TrimSpace(s.Visuals) == "" {
			return fmt.Errorf("script[%d]: visuals are required", i)
		}
	}
	return nil
}

// TotalSeconds sums the scene durations.
func (b AdBrief) TotalSeconds() float64 {
	var total float64
	for _, s := range b.Script {
		total += s.DurationSeconds
	}
	return total
}

// VideoRequest is the body submitted to the video job API.
type VideoRequest struct {
	Prompt string      `json:"prompt"`
	Config VideoConfig `json:"config"`
}

type VideoConfig struct {
	AspectRatio     string `json:"aspectRatio"`
	DurationSeconds int    `json:"durationSeconds"`
	Resolution      string `json:"resolution"`
	GenerateAudio   bool   `json:"generateAudio"`
	EnhancePrompt   bool   `json:"enhancePrompt"`
	NegativePrompt  string `json:"negativePrompt,omitempty"`
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
