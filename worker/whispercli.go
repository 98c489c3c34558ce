//go:build !cgo

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"murmur/audio"
)

// InProcess reports whether the model runs inside the worker process.
const InProcess = false

// NewDecoder returns the whisper-cli decoder used when the binding cannot be
// linked.
func NewDecoder(bin string, threads int) Decoder {
	return NewCLIDecoder(bin, threads)
}

// DecoderInfo checks that the whisper.cpp tool is installed.
func DecoderInfo(bin string) (string, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return "install whisper.cpp or set whisper_bin", fmt.Errorf("%s not found in PATH", bin)
	}
	return path, nil
}

// CLIDecoder runs the whisper.cpp command line tool once per decode and
// reads its full JSON output, which carries per-token probabilities. Each
// decode reloads the model in a child process.
type CLIDecoder struct {
	Bin     string
	Threads int

	bin    string
	model  string
	tmpDir string
}

func NewCLIDecoder(bin string, threads int) *CLIDecoder {
	return &CLIDecoder{Bin: bin, Threads: threads}
}

func (d *CLIDecoder) Load(modelPath string) error {
	if err := CheckModelFile(modelPath); err != nil {
		return err
	}
	bin, err := exec.LookPath(d.Bin)
	if err != nil {
		return fmt.Errorf("whisper binary %q not found: %w", d.Bin, err)
	}
	tmp, err := os.MkdirTemp("", "murmur-decode-*")
	if err != nil {
		return err
	}
	d.bin, d.model, d.tmpDir = bin, modelPath, tmp
	return nil
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text   string `json:"text"`
		Tokens []struct {
			Text string  `json:"text"`
			P    float32 `json:"p"`
		} `json:"tokens"`
	} `json:"transcription"`
}

func (d *CLIDecoder) Decode(ctx context.Context, samples []float32, opts DecodeOptions) (Decoding, error) {
	if d.bin == "" {
		return Decoding{}, fmt.Errorf("decoder not loaded")
	}
	f, err := os.CreateTemp(d.tmpDir, "clip-*.wav")
	if err != nil {
		return Decoding{}, err
	}
	wav := f.Name()
	f.Close()
	prefix := strings.TrimSuffix(wav, ".wav")
	defer os.Remove(wav)
	defer os.Remove(prefix + ".json")

	if err := audio.WriteWAV(wav, audio.ToInt16(samples), audio.SampleRate); err != nil {
		return Decoding{}, err
	}

	args := []string{"-m", d.model, "-f", wav, "-ojf", "-of", prefix, "-np", "-nt"}
	if opts.Language != "" {
		args = append(args, "-l", opts.Language)
	}
	if d.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(d.Threads))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Decoding{}, fmt.Errorf("whisper-cli: %w: %s", err, lastLine(stderr.String()))
	}

	data, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return Decoding{}, fmt.Errorf("read whisper output: %w", err)
	}
	return parseCLIOutput(data, opts)
}

func parseCLIOutput(data []byte, opts DecodeOptions) (Decoding, error) {
	var out cliOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Decoding{}, fmt.Errorf("parse whisper output: %w", err)
	}
	segs := make([]segment, len(out.Transcription))
	for i, s := range out.Transcription {
		segs[i].Text = s.Text
		for _, t := range s.Tokens {
			segs[i].Tokens = append(segs[i].Tokens, Token{Text: t.Text, P: t.P})
		}
	}
	return collect(segs, opts), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (d *CLIDecoder) Close() error {
	if d.tmpDir == "" {
		return nil
	}
	return os.RemoveAll(d.tmpDir)
}
