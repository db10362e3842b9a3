package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/api"
	"github.com/bbelbuken/elontweetbot/internal/logger"
)

// Result holds the analysis of one post's text.
type Result struct {
	Sentiment       float64  // polarity in [-1, 1]
	KeywordStrength float64  // [0, 1]
	Keywords        []string // matched lexicon entries
}

// Analyzer produces sentiment and keyword relevance for post text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Result, error)
}

// Remote calls an external sentiment model over HTTP. The keyword side is
// always computed locally.
type Remote struct {
	client *api.Client
}

// NewRemote creates an analyzer backed by the model endpoint at baseURL.
// The endpoint contract is POST /analyze {"text": ...} returning
// {"positive": p, "negative": n, "neutral": u}.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		client: api.NewClient(
			api.WithBaseURL(baseURL),
			api.WithTimeout(timeout),
		),
	}
}

type sentimentRequest struct {
	Text string `json:"text"`
}

type sentimentResponse struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

func (r *Remote) Analyze(ctx context.Context, text string) (Result, error) {
	strength, keywords := KeywordStrength(text)

	// The model has a bounded input window; truncate conservatively.
	if len(text) > 400 {
		text = text[:400]
	}

	resp, err := r.client.POST(ctx, "/analyze", sentimentRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("sentiment model call failed: %w", err)
	}
	var sr sentimentResponse
	if err := resp.ParseJSON(&sr); err != nil {
		return Result{}, fmt.Errorf("sentiment model response invalid: %w", err)
	}

	polarity := sr.Positive - sr.Negative
	if polarity < -1 || polarity > 1 {
		return Result{}, fmt.Errorf("sentiment model returned polarity %.4f outside [-1,1]", polarity)
	}

	logger.Debug(ctx, "Text analyzed", "sentiment", polarity, "keyword_strength", strength, "keywords", len(keywords))
	return Result{Sentiment: polarity, KeywordStrength: strength, Keywords: keywords}, nil
}

// Lexicon is a deterministic local analyzer used when no model endpoint is
// configured (DRY_RUN). Polarity comes from a small valence word list.
type Lexicon struct{}

func NewLexicon() *Lexicon {
	return &Lexicon{}
}

var positiveWords = map[string]struct{}{
	"bullish": {}, "moon": {}, "pump": {}, "breakout": {}, "rally": {},
	"profit": {}, "gain": {}, "surge": {}, "soar": {}, "rocket": {},
	"amazing": {}, "incredible": {}, "great": {}, "love": {}, "win": {},
}

var negativeWords = map[string]struct{}{
	"bearish": {}, "dump": {}, "crash": {}, "collapse": {}, "plunge": {},
	"loss": {}, "drop": {}, "tank": {}, "scam": {}, "fraud": {},
	"terrible": {}, "awful": {}, "disaster": {}, "fear": {}, "sell-off": {},
}

var wordSplit = regexp.MustCompile(`[^a-z\-]+`)

func (l *Lexicon) Analyze(ctx context.Context, text string) (Result, error) {
	strength, keywords := KeywordStrength(text)

	pos, neg := 0, 0
	for _, w := range wordSplit.Split(strings.ToLower(text), -1) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}

	polarity := 0.0
	if pos+neg > 0 {
		polarity = float64(pos-neg) / float64(pos+neg)
	}
	return Result{Sentiment: polarity, KeywordStrength: strength, Keywords: keywords}, nil
}
