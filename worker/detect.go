package worker

import (
	"context"
	"math"
	"strings"

	"murmur/audio"
	"murmur/log"
)

// Candidates are the languages scored when the hint is "auto".
var Candidates = []string{"es", "en", "pt", "fr", "de", "it"}

const (
	// leadIn is the window scored per candidate: 2 s at 16 kHz.
	leadIn = 2 * audio.SampleRate
	// minSamples is the shortest clip worth decoding: 250 ms.
	minSamples = audio.SampleRate / 4
	// silenceFloor is the lead-in RMS below which scoring is skipped.
	silenceFloor = 0.005

	scoreMaxTokens = 32
)

// DetectLanguage scores each candidate on the first two seconds of samples
// and returns the best one, or fallback when the lead-in is silent or no
// candidate scores.
func DetectLanguage(ctx context.Context, dec Decoder, samples []float32, fallback string) string {
	lead := samples
	if len(lead) > leadIn {
		lead = lead[:leadIn]
	}
	if audio.RMS(lead) < silenceFloor {
		return fallback
	}

	best, bestScore := "", 0.0
	for _, lang := range Candidates {
		if ctx.Err() != nil {
			break
		}
		d, err := dec.Decode(ctx, lead, DecodeOptions{
			Language:      lang,
			SingleSegment: true,
			MaxTokens:     scoreMaxTokens,
		})
		if err != nil {
			log.Warnf("language score %s: %v", lang, err)
			continue
		}
		if s := Score(d.Tokens); s > bestScore {
			best, bestScore = lang, s
		}
	}
	if best == "" {
		return fallback
	}
	return best
}

// Score is the mean probability of the non-special tokens, 0 if there are
// none.
func Score(tokens []Token) float64 {
	var sum float64
	var n int
	for _, t := range tokens {
		if isSpecial(t.Text) {
			continue
		}
		sum += float64(t.P)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// isSpecial matches control tokens such as [_BEG_], [_TT_150] and <|en|>.
func isSpecial(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "[_") || (strings.HasPrefix(t, "<|") && strings.HasSuffix(t, "|>"))
}

// sanitize replaces non-finite samples with silence and clamps to [-1, 1].
func sanitize(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = float32(v)
	}
	return out
}
