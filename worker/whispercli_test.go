//go:build !cgo

package worker

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const sampleOutput = `{
  "result": {"language": "es"},
  "transcription": [
    {"text": " Hola", "tokens": [{"text": "[_BEG_]", "p": 0.99}, {"text": " Hola", "p": 0.8}]},
    {"text": " mundo.", "tokens": [{"text": " mundo", "p": 0.6}, {"text": ".", "p": 0.9}]}
  ]
}`

func TestParseCLIOutput(t *testing.T) {
	d, err := parseCLIOutput([]byte(sampleOutput), DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Text != "Hola mundo." || len(d.Tokens) != 4 {
		t.Errorf("full = %q, %d tokens", d.Text, len(d.Tokens))
	}

	d, _ = parseCLIOutput([]byte(sampleOutput), DecodeOptions{SingleSegment: true})
	if d.Text != "Hola" || len(d.Tokens) != 2 {
		t.Errorf("single segment = %q, %d tokens", d.Text, len(d.Tokens))
	}

	d, _ = parseCLIOutput([]byte(sampleOutput), DecodeOptions{MaxTokens: 3})
	if len(d.Tokens) != 3 {
		t.Errorf("max tokens: %d tokens", len(d.Tokens))
	}

	if _, err := parseCLIOutput([]byte("{"), DecodeOptions{}); err == nil {
		t.Error("expected parse error")
	}
}

func TestCLIDecoderMissingBinary(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "ggml-tiny.bin")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, ggmlMagic)
	os.WriteFile(model, buf, 0o644)

	d := NewCLIDecoder(filepath.Join(dir, "no-such-whisper"), 0)
	if err := d.Load(model); err == nil {
		t.Error("Load succeeded without a binary")
	}
}
