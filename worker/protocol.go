// Package worker runs the speech model in a separate process so that a
// crash while decoding cannot take the daemon down with it.
//
// The host and the worker talk over the worker's stdin and stdout, one JSON
// object per line. The worker first writes a handshake, then answers each
// request with exactly one response carrying the same id.
package worker

import "murmur/apperr"

type handshake struct {
	Ready bool       `json:"ready"`
	PID   int        `json:"pid,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type request struct {
	ID       string `json:"id"`
	WAV      string `json:"wav"`
	Language string `json:"language"`
}

type response struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Language   string     `json:"language,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Error      *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func toWire(code apperr.Code, err error) *wireError {
	return &wireError{Code: code, Message: err.Error()}
}

func (w *wireError) toError() error {
	code := w.Code
	if code == "" {
		code = apperr.CodeTranscriptionFailed
	}
	return apperr.Newf(code, "%s", w.Message)
}

// maxLine bounds a single protocol line.
const maxLine = 4 << 20
