package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// nitter mirrors render timelines as static HTML, which keeps ingestion a
// plain scrape instead of an API integration.
const nitterTimeFormat = "Jan 2, 2006 · 3:04 PM UTC"

// Sink receives scraped posts. Ingestion must be idempotent on post id since
// consecutive polls overlap.
type Sink interface {
	Ingest(ctx context.Context, post types.Post) error
}

// Selectors are the CSS selectors for extracting posts from a timeline page.
type Selectors struct {
	PostContainer string
	Content       string
	Permalink     string
	Timestamp     string
}

func defaultSelectors() Selectors {
	return Selectors{
		PostContainer: "div.timeline-item",
		Content:       "div.tweet-content",
		Permalink:     "a.tweet-link",
		Timestamp:     "span.tweet-date a",
	}
}

// Poller scrapes an author's timeline and feeds new posts into the pipeline.
type Poller struct {
	baseURL   string
	author    string
	selectors Selectors
	timeout   time.Duration
	sink      Sink
}

func NewPoller(baseURL, author string, sink Sink, timeout time.Duration) *Poller {
	return &Poller{
		baseURL:   strings.TrimRight(baseURL, "/"),
		author:    author,
		selectors: defaultSelectors(),
		timeout:   timeout,
		sink:      sink,
	}
}

// Poll scrapes the timeline once. Posts already in the ledger are deduplicated
// downstream by id.
func (p *Poller) Poll(ctx context.Context) error {
	timer := logger.StartOperation(ctx, "feed_poll", "author", p.author)
	ctx = timer.GetContext()

	var scraped, ingested int

	c := colly.NewCollector(
		colly.AllowedDomains(getDomain(p.baseURL)),
		colly.MaxDepth(1),
		colly.Async(false),
	)
	c.SetRequestTimeout(p.timeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	})

	c.OnHTML(p.selectors.PostContainer, func(e *colly.HTMLElement) {
		text := strings.TrimSpace(e.ChildText(p.selectors.Content))
		if text == "" {
			return
		}
		permalink := e.ChildAttr(p.selectors.Permalink, "href")
		id := postID(permalink)
		if id == "" {
			return
		}
		scraped++

		post := types.Post{
			ID:        id,
			Author:    p.author,
			Text:      text,
			CreatedAt: parseTimestamp(e.ChildAttr(p.selectors.Timestamp, "title")),
		}
		if err := p.sink.Ingest(ctx, post); err != nil {
			logger.ErrorWithErr(ctx, "Failed to ingest post", err, "post_id", id)
			return
		}
		ingested++
	})

	c.OnError(func(r *colly.Response, err error) {
		logger.ErrorWithErr(ctx, "Feed scraping error", err, "url", r.Request.URL.String())
	})

	timelineURL := fmt.Sprintf("%s/%s", p.baseURL, p.author)
	if err := c.Visit(timelineURL); err != nil {
		timer.EndWithError(err)
		return fmt.Errorf("failed to visit %s: %w", timelineURL, err)
	}
	c.Wait()

	logger.Info(ctx, "Feed poll completed", "author", p.author, "scraped", scraped, "ingested", ingested)
	timer.End()
	return nil
}

// postID extracts the numeric status id from a permalink like
// "/elonmusk/status/1234567890#m".
func postID(permalink string) string {
	idx := strings.LastIndex(permalink, "/status/")
	if idx < 0 {
		return ""
	}
	id := permalink[idx+len("/status/"):]
	if cut := strings.IndexAny(id, "#?"); cut >= 0 {
		id = id[:cut]
	}
	return id
}

func parseTimestamp(title string) time.Time {
	if t, err := time.Parse(nitterTimeFormat, strings.TrimSpace(title)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func getDomain(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
