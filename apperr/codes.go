package apperr

// Code is a stable, machine-readable error code surfaced to the user.
type Code string

// Model store
const (
	CodeUnknownModel       Code = "UNKNOWN_MODEL"
	CodeAlreadyInstalled   Code = "ALREADY_INSTALLED"
	CodeDownloadInProgress Code = "DOWNLOAD_IN_PROGRESS"
	CodeDownloadFailed     Code = "DOWNLOAD_FAILED"
	CodeDownloadIncomplete Code = "DOWNLOAD_INCOMPLETE"
	CodeModelNotInstalled  Code = "MODEL_NOT_INSTALLED"
)

// Inference worker
const (
	CodeWorkerCrashed       Code = "WORKER_CRASHED"
	CodeModelLoadFailed     Code = "MODEL_LOAD_FAILED"
	CodeTranscriptionFailed Code = "TRANSCRIPTION_FAILED"
)

// Entitlement
const (
	CodeFreeLimitReached Code = "FREE_LIMIT_REACHED"
	CodeLicenseInvalid   Code = "LICENSE_INVALID"
	CodeCheckoutFailed   Code = "CHECKOUT_FAILED"
)

// Session
const (
	CodeRecordingFailed Code = "RECORDING_FAILED"
	CodeInvalidConfig   Code = "INVALID_CONFIG"
	CodeInternal        Code = "INTERNAL_ERROR"
)

var messages = map[Code]string{
	CodeUnknownModel:        "Unknown model",
	CodeAlreadyInstalled:    "Model is already installed",
	CodeDownloadInProgress:  "Model download already in progress",
	CodeDownloadFailed:      "Model download failed",
	CodeDownloadIncomplete:  "Model download incomplete",
	CodeModelNotInstalled:   "Model is not installed",
	CodeWorkerCrashed:       "Transcription worker crashed",
	CodeModelLoadFailed:     "Model could not be loaded",
	CodeTranscriptionFailed: "Transcription failed",
	CodeFreeLimitReached:    "Free plan limit reached",
	CodeLicenseInvalid:      "License file is invalid",
	CodeCheckoutFailed:      "Could not create checkout session",
	CodeRecordingFailed:     "Could not start recording",
	CodeInvalidConfig:       "Invalid setting",
	CodeInternal:            "Internal error",
}

var retryable = map[Code]bool{
	CodeDownloadInProgress:  true,
	CodeDownloadFailed:      true,
	CodeDownloadIncomplete:  true,
	CodeWorkerCrashed:       true,
	CodeTranscriptionFailed: true,
	CodeCheckoutFailed:      true,
	CodeRecordingFailed:     true,
}

// Message returns the default human message for code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return string(code)
}

// IsRetryableCode reports whether a failure with code may succeed on retry.
func IsRetryableCode(code Code) bool {
	return retryable[code]
}
