package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Summary is the title and lead paragraph of a reference page.
type Summary struct {
	Title string
	Text  string
}

// SummaryFetcher extracts summaries from wiki-style HTML pages.
type SummaryFetcher struct {
	client   *http.Client
	maxRunes int
}

func NewSummaryFetcher(timeout time.Duration, maxRunes int) *SummaryFetcher {
	if maxRunes <= 0 {
		maxRunes = 300
	}
	return &SummaryFetcher{client: &http.Client{Timeout: timeout}, maxRunes: maxRunes}
}

func (f *SummaryFetcher) FetchSummary(ctx context.Context, url string) (Summary, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Summary{}, fmt.Errorf("unsupported url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Summary{}, err
	}
	req.Header.Set("User-Agent", "mc-bridge/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Summary{}, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Summary{}, fmt.Errorf("parse %s: %w", url, err)
	}
	return f.extract(doc), nil
}

func (f *SummaryFetcher) extract(doc *goquery.Document) Summary {
	var s Summary
	for _, sel := range []string{"h1#firstHeading", "h1", "title"} {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			s.Title = t
			break
		}
	}

	paragraphs := doc.Find("#mw-content-text p")
	if paragraphs.Length() == 0 {
		paragraphs = doc.Find("p")
	}
	paragraphs.EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := strings.Join(strings.Fields(p.Text()), " ")
		if text == "" {
			return true
		}
		s.Text = text
		return false
	})

	if r := []rune(s.Text); len(r) > f.maxRunes {
		s.Text = string(r[:f.maxRunes]) + "..."
	}
	return s
}
