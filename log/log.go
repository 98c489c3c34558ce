package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

// Metrics describes one completed local transcription.
type Metrics struct {
	SessionID  string
	ModelID    string
	Language   string
	AudioS     float64
	WAVKB      float64
	InferMs    float64
	TotalMs    float64
	WorkerPID  int
	Respawned  bool
	TextLength int
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: MURMUR_LOG_PATH environment variable
	if envPath := os.Getenv("MURMUR_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	diagLog = newLogger(diagFile)
	logReady = true
	return nil
}

// InitWriter logs to w only, with no transcript file. The inference worker
// uses it so its output reaches the parent through stderr.
func InitWriter(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	pid = os.Getpid()
	diagLog = newLogger(w)
	logReady = true
}

func newLogger(w io.Writer) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	return zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Worker records a line the inference worker wrote to its stderr.
func Worker(workerPID int, line string) {
	if logReady {
		diagLog.Info().Int("worker_pid", workerPID).Msg(line)
	}
}

func TranscriptionMetrics(m Metrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", m.SessionID).
		Str("model", m.ModelID).
		Str("lang", m.Language).
		Int("worker_pid", m.WorkerPID).
		Bool("respawned", m.Respawned).
		Float64("audio_s", m.AudioS).
		Float64("wav_kb", m.WAVKB).
		Float64("infer_ms", m.InferMs).
		Float64("total_ms", m.TotalMs).
		Int("chars", m.TextLength).
		Msg("transcription")
}

func TranscriptionText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcribeFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcribeFile.WriteString(line)
}

func Download(modelID string, bytes int64, elapsed time.Duration, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Error().Err(err)
	}
	ev.Str("model", modelID).
		Float64("mb", float64(bytes)/(1024*1024)).
		Float64("elapsed_s", elapsed.Seconds()).
		Msg("model_download")
}

func SessionStart(modelID, language, shortcut string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("model", modelID).
		Str("lang", language).
		Str("shortcut", shortcut).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}
