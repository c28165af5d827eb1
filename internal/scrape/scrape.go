package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/chromedp"
)

// DefaultMaxChars bounds the page text handed to the model.
const DefaultMaxChars = 2000

// Scraper extracts the visible text of a product page.
type Scraper interface {
	Text(ctx context.Context, url string) (string, error)
}

type Config struct {
	Timeout  time.Duration
	MaxChars int
	Headless bool
}

// Browser renders pages in headless Chrome, so script-built product pages
// yield their real copy.
type Browser struct {
	timeout  time.Duration
	maxChars int
	opts     []chromedp.ExecAllocatorOption
}

func NewBrowser(cfg Config) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	return &Browser{timeout: cfg.Timeout, maxChars: cfg.MaxChars, opts: opts}
}

func (b *Browser) Text(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errors.New("url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var text string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", url, err)
	}
	return Normalize(text, b.maxChars), nil
}

// Normalize collapses whitespace and truncates to maxChars runes.
func Normalize(text string, maxChars int) string {
	text = strings.Join(strings.Fields(text), " ")
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars])
}

var _ Scraper = (*Browser)(nil)
