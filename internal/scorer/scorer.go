package scorer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/bbelbuken/elontweetbot/internal/analyzer"
	"github.com/bbelbuken/elontweetbot/internal/logger"
)

// ErrScoringUnavailable is returned when sentiment cannot be obtained. The
// caller decides whether to retry or skip; the scorer never substitutes a
// neutral score.
var ErrScoringUnavailable = errors.New("scoring unavailable")

// Scorer combines keyword relevance and sentiment polarity into one
// normalized signal score.
type Scorer struct {
	analyzer        analyzer.Analyzer
	keywordWeight   float64
	sentimentWeight float64
}

// New creates a scorer; weights must sum to 1.
func New(a analyzer.Analyzer, keywordWeight, sentimentWeight float64) *Scorer {
	return &Scorer{
		analyzer:        a,
		keywordWeight:   keywordWeight,
		sentimentWeight: sentimentWeight,
	}
}

// Combine maps keyword strength k in [0,1] and sentiment polarity s in [-1,1]
// to a signal score in [0,100]. Deterministic for identical inputs.
func Combine(keywordStrength, sentiment, keywordWeight, sentimentWeight float64) int {
	v := keywordWeight*keywordStrength + sentimentWeight*(sentiment+1)/2
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return int(math.Round(100 * v))
}

// Score analyzes text and returns its signal score alongside the raw analysis.
func (s *Scorer) Score(ctx context.Context, text string) (int, analyzer.Result, error) {
	res, err := s.analyzer.Analyze(ctx, text)
	if err != nil {
		logger.Warn(ctx, "Analyzer unavailable", "error", err)
		return 0, analyzer.Result{}, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}

	score := Combine(res.KeywordStrength, res.Sentiment, s.keywordWeight, s.sentimentWeight)
	logger.Debug(ctx, "Signal scored",
		"score", score,
		"keyword_strength", res.KeywordStrength,
		"sentiment", res.Sentiment,
		"keywords", len(res.Keywords))
	return score, res, nil
}
