package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/genai"
	"github.com/animus-labs/adpipe/internal/poller"
	"github.com/animus-labs/adpipe/internal/scrape"
	"github.com/animus-labs/adpipe/internal/upstream"
	"github.com/animus-labs/adpipe/internal/videoapi"
)

// Stage names, also the keys of a run's committed artifacts.
const (
	NameUSPExtraction   = "usp_extraction"
	NameStyleAnalysis   = "style_analysis"
	NameBriefSynthesis  = "brief_synthesis"
	NameVideoGeneration = "video_generation"
)

// Named documents passed between stages and gates.
const (
	DocUSPAnalysis   = "usp_analysis"
	DocStyleAnalysis = "style_analysis"
	DocAdBrief       = "ad_brief"
)

// VideoAPI is the render service used by the video stage.
type VideoAPI interface {
	Submit(ctx context.Context, req domain.VideoRequest) (string, error)
	Status(ctx context.Context, jobID string) (videoapi.JobState, error)
	Fetch(ctx context.Context, outputURL string) ([]byte, error)
}

// Creative builds the ad pipeline's stages from injected clients.
type Creative struct {
	Analyzer genai.Analyzer
	// Scraper is optional; without it the USP stage uses product text only.
	Scraper       scrape.Scraper
	ScrapeMaxChar int
	Video         VideoAPI
	Poll          poller.Config
	FetchRetry    upstream.RetryPolicy
	Scenes        int
	Render        domain.VideoConfig
	Now           func() time.Time
}

func (c *Creative) Validate() error {
	if c.Analyzer == nil {
		return errors.New("analyzer is required")
	}
	if c.Video == nil {
		return errors.New("video api is required")
	}
	if c.Scenes < 1 {
		return errors.New("scene count must be >= 1")
	}
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	return c.FetchRetry.Validate()
}

func (c *Creative) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Creative) USPExtraction() Stage {
	return Stage{Name: NameUSPExtraction, Artifact: DocUSPAnalysis + ".json", Retry: true, Run: c.extractUSPs}
}

func (c *Creative) StyleAnalysis() Stage {
	return Stage{Name: NameStyleAnalysis, Artifact: DocStyleAnalysis + ".json", Retry: true, Run: c.analyzeStyle}
}

func (c *Creative) BriefSynthesis() Stage {
	return Stage{Name: NameBriefSynthesis, Artifact: DocAdBrief + ".json", Retry: true, Run: c.synthesizeBrief}
}

// VideoGeneration manages its own submission and poll retries.
func (c *Creative) VideoGeneration() Stage {
	return Stage{Name: NameVideoGeneration, Artifact: "video.mp4", Run: c.generateVideo}
}

func (c *Creative) extractUSPs(ctx context.Context, in Input) (Output, error) {
	text := in.Param(domain.ParamProductText)
	if url := in.Param(domain.ParamProductURL); url != "" && c.Scraper != nil {
		scraped, err := c.Scraper.Text(ctx, url)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return Output{}, err
			}
			in.Logger.Warn("product page scrape failed, using product text", "url", url, "error", err)
		case scraped != "":
			text = strings.TrimSpace(text + "\n\n" + scrape.Normalize(scraped, c.scrapeLimit()))
		}
	}
	if text == "" {
		return Output{}, domain.Errorf(domain.KindUpstreamRejected, "run has no product text or readable product page")
	}

	reply, err := c.Analyzer.Analyze(ctx, genai.Request{Prompt: uspPrompt(text)})
	if err != nil {
		return Output{}, err
	}
	var parsed struct {
		USPs     []string `json:"usps"`
		Emotions []string `json:"emotions"`
	}
	if err := genai.Decode(reply, &parsed); err != nil {
		return Output{}, err
	}
	doc := domain.USPAnalysis{Version: domain.DocumentVersion, USPs: parsed.USPs, Emotions: parsed.Emotions, SourceText: text}
	if err := doc.Validate(); err != nil {
		return Output{}, formatError(reply, err)
	}
	return jsonOutput(doc)
}

func (c *Creative) scrapeLimit() int {
	if c.ScrapeMaxChar > 0 {
		return c.ScrapeMaxChar
	}
	return scrape.DefaultMaxChars
}

// styleReply accepts both the snake_case keys the prompt asks for and the
// document's own camelCase keys.
type styleReply struct {
	DominantColors    domain.ColorList `json:"dominant_colors"`
	DominantColorsAlt domain.ColorList `json:"dominantColors"`
	FontStyle         string           `json:"font_style"`
	FontStyleAlt      string           `json:"fontStyle"`
	Tone              string           `json:"tone_of_voice"`
	ToneAlt           string           `json:"tone"`
}

func (c *Creative) analyzeStyle(ctx context.Context, in Input) (Output, error) {
	image := in.Param(domain.ParamBrandImageURL)
	if image == "" {
		return Output{}, domain.Errorf(domain.KindUpstreamRejected, "run has no brand image url")
	}
	reply, err := c.Analyzer.Analyze(ctx, genai.Request{Prompt: stylePrompt, ImageURL: image})
	if err != nil {
		return Output{}, err
	}
	var parsed styleReply
	if err := genai.Decode(reply, &parsed); err != nil {
		return Output{}, err
	}
	doc := domain.StyleAnalysis{
		Version:        domain.DocumentVersion,
		Tone:           firstNonEmpty(parsed.Tone, parsed.ToneAlt),
		DominantColors: parsed.DominantColors,
		FontStyle:      firstNonEmpty(parsed.FontStyle, parsed.FontStyleAlt),
	}
	if len(doc.DominantColors) == 0 {
		doc.DominantColors = parsed.DominantColorsAlt
	}
	if err := doc.Validate(); err != nil {
		return Output{}, formatError(reply, err)
	}
	return jsonOutput(doc)
}

func (c *Creative) synthesizeBrief(ctx context.Context, in Input) (Output, error) {
	var usp domain.USPAnalysis
	if err := in.Artifacts.GetJSON(ctx, in.Inputs[DocUSPAnalysis], &usp); err != nil {
		return Output{}, fmt.Errorf("read %s: %w", DocUSPAnalysis, err)
	}
	var style domain.StyleAnalysis
	if err := in.Artifacts.GetJSON(ctx, in.Inputs[DocStyleAnalysis], &style); err != nil {
		return Output{}, fmt.Errorf("read %s: %w", DocStyleAnalysis, err)
	}
	uspJSON, _ := json.MarshalIndent(usp, "", "  ")
	styleJSON, _ := json.MarshalIndent(style, "", "  ")
	campaignID := in.Param(domain.ParamCampaignID)
	productID := in.Param(domain.ParamProductID)

	prompt := briefPrompt(uspJSON, styleJSON, campaignID, productID, c.Scenes)
	brief, err := c.askBrief(ctx, prompt)
	if errors.Is(err, domain.ErrResponseFormat) {
		in.Logger.Warn("brief reply unusable, retrying with stricter prompt", "error", err)
		brief, err = c.askBrief(ctx, stricterBriefPrompt(prompt, c.Scenes, err))
	}
	if err != nil {
		return Output{}, err
	}

	if brief.CampaignID == "" {
		brief.CampaignID = campaignID
	}
	if brief.ProductID == "" {
		brief.ProductID = productID
	}
	brief.Metadata = domain.BriefMetadata{Version: domain.DocumentVersion, CreatedAt: c.now()}
	if len(brief.StyleGuidance.DominantColors) == 0 {
		brief.StyleGuidance.DominantColors = style.DominantColors
	}
	if brief.StyleGuidance.Tone == "" {
		brief.StyleGuidance.Tone = style.Tone
	}
	if brief.StyleGuidance.FontStyle == "" {
		brief.StyleGuidance.FontStyle = style.FontStyle
	}
	return jsonOutput(brief)
}

func (c *Creative) askBrief(ctx context.Context, prompt string) (domain.AdBrief, error) {
	reply, err := c.Analyzer.Analyze(ctx, genai.Request{Prompt: prompt})
	if err != nil {
		return domain.AdBrief{}, err
	}
	var brief domain.AdBrief
	if err := genai.Decode(reply, &brief); err != nil {
		return domain.AdBrief{}, err
	}
	if err := brief.Validate(c.Scenes); err != nil {
		return domain.AdBrief{}, formatError(reply, err)
	}
	return brief, nil
}

func (c *Creative) generateVideo(ctx context.Context, in Input) (Output, error) {
	var brief domain.AdBrief
	if err := in.Artifacts.GetJSON(ctx, in.Inputs[DocAdBrief], &brief); err != nil {
		return Output{}, fmt.Errorf("read %s: %w", DocAdBrief, err)
	}
	req := BuildVideoRequest(brief, c.Render)

	machine, err := poller.New(c.Poll, videoJob{api: c.Video, req: req})
	if err != nil {
		return Output{}, err
	}
	job, err := machine.Run(ctx)
	if err != nil {
		return Output{}, err
	}
	in.Logger.Info("video job finished", "job_id", job.ID, "polls", job.Attempts)

	var body []byte
	err = upstream.Retry(ctx, c.FetchRetry, func(ctx context.Context) error {
		b, err := c.Video.Fetch(ctx, job.OutputURI)
		if err != nil {
			return err
		}
		body = b
		return nil
	}, nil)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.JobID == "" {
			cp := *de
			cp.JobID = job.ID
			return Output{}, &cp
		}
		return Output{}, err
	}
	if len(body) == 0 {
		return Output{}, &domain.Error{Kind: domain.KindJobFailed, JobID: job.ID, Err: errors.New("video output is empty")}
	}
	return Output{Body: body, ContentType: artifacts.ContentTypeMP4}, nil
}

// BuildVideoRequest turns an approved brief into a render request. The
// duration is the sum of the scene durations.
func BuildVideoRequest(brief domain.AdBrief, render domain.VideoConfig) domain.VideoRequest {
	tone := strings.TrimSpace(brief.StyleGuidance.Tone)
	if tone == "" {
		tone = "modern and energetic"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "A %s commercial.", tone)
	if len(brief.StyleGuidance.DominantColors) > 0 {
		fmt.Fprintf(&b, " The dominant color palette is %s.", strings.Join(brief.StyleGuidance.DominantColors, ", "))
	}
	b.WriteString(" The overall style is cinematic and photorealistic, with professional color grading and dynamic camera movement.")
	b.WriteString(" The scenes flow together with smooth transitions into one cohesive narrative.")
	b.WriteString(" The story unfolds as follows:")
	for i, s := range brief.Script {
		fmt.Fprintf(&b, " Scene %d: %s", i+1, strings.TrimSpace(s.Visuals))
	}

	cfg := render
	cfg.DurationSeconds = int(math.Round(brief.TotalSeconds()))
	return domain.VideoRequest{Prompt: b.String(), Config: cfg}
}

// DefaultRender is the render configuration used when none is configured.
func DefaultRender() domain.VideoConfig {
	return domain.VideoConfig{
		AspectRatio:    "16:9",
		Resolution:     "720p",
		GenerateAudio:  true,
		EnhancePrompt:  true,
		NegativePrompt: "wrong spellings",
	}
}

type videoJob struct {
	api VideoAPI
	req domain.VideoRequest
}

func (j videoJob) Submit(ctx context.Context) (string, error) {
	return j.api.Submit(ctx, j.req)
}

func (j videoJob) Status(ctx context.Context, jobID string) (domain.JobStatus, string, error) {
	state, err := j.api.Status(ctx, jobID)
	if err != nil {
		return "", "", err
	}
	return state.Status, state.OutputURL, nil
}

func formatError(raw string, err error) error {
	return &domain.Error{
		Kind: domain.KindResponseFormat,
		Hint: upstream.Hint(domain.KindResponseFormat),
		Raw:  raw,
		Err:  err,
	}
}

func jsonOutput(v any) (Output, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Output{}, fmt.Errorf("marshal output: %w", err)
	}
	return Output{Body: body, ContentType: artifacts.ContentTypeJSON}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var _ poller.Remote = videoJob{}
