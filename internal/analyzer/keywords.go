package analyzer

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// cryptoKeywords maps trading-relevant terms to match weights. Major coins
// carry the highest weight, generic trading vocabulary the lowest.
var cryptoKeywords = map[string]int{
	// Major cryptocurrencies
	"bitcoin": 3, "btc": 3, "ethereum": 3, "eth": 3, "solana": 3, "sol": 3,
	"cardano": 3, "ada": 3, "polkadot": 3, "dot": 3, "chainlink": 3, "link": 3,
	"polygon": 3, "matic": 3, "avalanche": 3, "avax": 3, "cosmos": 3, "atom": 3,
	"dogecoin": 3, "doge": 3,

	// Trading terms
	"crypto": 2, "cryptocurrency": 2, "blockchain": 2, "defi": 2, "nft": 2,
	"altcoin": 2, "hodl": 2, "moon": 2, "diamond hands": 2, "paper hands": 2,
	"bull market": 2, "bear market": 2, "pump": 2, "dump": 2, "dip": 2,
	"ath": 2, "all time high": 2, "market cap": 2, "volume": 2,

	// Exchanges and platforms
	"binance": 2, "coinbase": 2, "kraken": 2, "uniswap": 2, "metamask": 2,

	// General terms
	"trading": 1, "investment": 1, "portfolio": 1, "profit": 1, "loss": 1,
	"buy": 1, "sell": 1, "hold": 1, "long": 1, "short": 1, "bullish": 1,
	"bearish": 1, "resistance": 1, "support": 1, "breakout": 1, "correction": 1,
	"rsi": 1, "macd": 1, "chart": 1, "trend": 1,
}

// amplifiers boost the keyword score when intensity words appear near signals.
var amplifiers = map[string]float64{
	"extremely": 1.5, "very": 1.3, "really": 1.2, "absolutely": 1.4,
	"definitely": 1.3, "certainly": 1.2, "massive": 1.4, "huge": 1.3,
	"incredible": 1.3, "amazing": 1.2, "terrible": 1.3, "awful": 1.2,
	"disaster": 1.4, "crash": 1.3, "explode": 1.3, "rocket": 1.2,
}

var (
	keywordPatterns   map[string]*regexp.Regexp
	amplifierPatterns map[string]*regexp.Regexp
	patternsOnce      sync.Once
)

func compilePatterns() {
	keywordPatterns = make(map[string]*regexp.Regexp, len(cryptoKeywords))
	for kw := range cryptoKeywords {
		keywordPatterns[kw] = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	amplifierPatterns = make(map[string]*regexp.Regexp, len(amplifiers))
	for a := range amplifiers {
		amplifierPatterns[a] = regexp.MustCompile(`\b` + regexp.QuoteMeta(a) + `\b`)
	}
}

// KeywordStrength scores text for trading relevance on [0,1] and returns the
// matched keywords. Keyword matches contribute up to 0.5, amplifier words up
// to 0.2; output is clamped to [0,1]. Deterministic for identical input.
func KeywordStrength(text string) (float64, []string) {
	patternsOnce.Do(compilePatterns)
	lower := strings.ToLower(text)

	matched := []string{}
	totalWeight := 0
	for kw, weight := range cryptoKeywords {
		if keywordPatterns[kw].MatchString(lower) {
			matched = append(matched, kw)
			totalWeight += weight
		}
	}
	sort.Strings(matched)

	amplifierBonus := 0.0
	for a, mult := range amplifiers {
		if amplifierPatterns[a].MatchString(lower) {
			amplifierBonus += (mult - 1) * 10
		}
	}

	score := float64(totalWeight) * 5
	if score > 50 {
		score = 50
	}
	if amplifierBonus > 20 {
		amplifierBonus = 20
	}
	score += amplifierBonus

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score / 100, matched
}
