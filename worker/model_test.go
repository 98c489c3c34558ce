package worker

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckModelFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ggml-tiny.bin")
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf, ggmlMagic)
	if err := os.WriteFile(good, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckModelFile(good); err != nil {
		t.Errorf("CheckModelFile(good) = %v", err)
	}

	bad := filepath.Join(dir, "page.html")
	os.WriteFile(bad, []byte("<html>not found</html>"), 0o644)
	if err := CheckModelFile(bad); err == nil {
		t.Error("html accepted as a model")
	}
	if err := CheckModelFile(filepath.Join(dir, "missing.bin")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestCollect(t *testing.T) {
	segs := []segment{
		{Text: " Hola", Tokens: []Token{{"[_BEG_]", 0.99}, {" Hola", 0.8}}},
		{Text: " mundo.", Tokens: []Token{{" mundo", 0.6}, {".", 0.9}}},
	}
	tests := []struct {
		name   string
		opts   DecodeOptions
		text   string
		tokens int
	}{
		{"full", DecodeOptions{}, "Hola mundo.", 4},
		{"single segment", DecodeOptions{SingleSegment: true}, "Hola", 2},
		{"max tokens", DecodeOptions{MaxTokens: 3}, "Hola mundo.", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := collect(segs, tt.opts)
			if d.Text != tt.text || len(d.Tokens) != tt.tokens {
				t.Errorf("got %q with %d tokens, want %q with %d", d.Text, len(d.Tokens), tt.text, tt.tokens)
			}
		})
	}
}
