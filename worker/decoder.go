package worker

import "context"

// Token is one decoded token and its probability.
type Token struct {
	Text string
	P    float32
}

type DecodeOptions struct {
	Language      string
	SingleSegment bool
	// MaxTokens caps the tokens per segment; 0 means no cap.
	MaxTokens int
}

type Decoding struct {
	Text   string
	Tokens []Token
}

// Decoder is a loaded speech model. Load is called once per worker process.
// Samples are 16 kHz mono in [-1, 1].
type Decoder interface {
	Load(modelPath string) error
	Decode(ctx context.Context, samples []float32, opts DecodeOptions) (Decoding, error)
	Close() error
}
