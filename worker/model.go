package worker

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ggmlMagic opens every whisper.cpp model file.
const ggmlMagic = 0x67676d6c

// CheckModelFile verifies that path starts with the ggml magic number.
func CheckModelFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read model header: %w", err)
	}
	if magic != ggmlMagic {
		return fmt.Errorf("%s is not a ggml model (magic %#x)", filepath.Base(path), magic)
	}
	return nil
}

// segment is one decoded span as whisper.cpp reports it.
type segment struct {
	Text   string
	Tokens []Token
}

// collect joins segments into a Decoding. SingleSegment keeps only the
// first segment and MaxTokens caps the tokens kept.
func collect(segs []segment, opts DecodeOptions) Decoding {
	if opts.SingleSegment && len(segs) > 1 {
		segs = segs[:1]
	}
	var dec Decoding
	var text strings.Builder
	for _, s := range segs {
		text.WriteString(s.Text)
		for _, t := range s.Tokens {
			if opts.MaxTokens > 0 && len(dec.Tokens) >= opts.MaxTokens {
				break
			}
			dec.Tokens = append(dec.Tokens, t)
		}
	}
	dec.Text = strings.TrimSpace(text.String())
	return dec
}
