package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrToolNotFound   = errors.New("executable not found")
	ErrEmptyOutput    = errors.New("dump produced empty output")
	ErrObjectNotFound = errors.New("object not found")
)

// ConfigurationError lists every missing or invalid setting found in one pass.
type ConfigurationError struct {
	Missing []string
	Invalid map[string]string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required settings: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		invalid := make([]string, 0, len(e.Invalid))
		for _, k := range e.InvalidKeys() {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", k, e.Invalid[k]))
		}
		parts = append(parts, "invalid settings: "+strings.Join(invalid, ", "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// InvalidKeys returns the invalid keys in sorted order.
func (e *ConfigurationError) InvalidKeys() []string {
	keys := make([]string, 0, len(e.Invalid))
	for k := range e.Invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *ConfigurationError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// ToolFailure is the shared shape of DumpFailure and RestoreFailure.
type ToolFailure struct {
	Engine   Engine
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (f *ToolFailure) describe(verb string) string {
	msg := fmt.Sprintf("%s %s failed", f.Engine, verb)
	if f.Tool != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Tool)
	}
	if f.ExitCode > 0 {
		msg = fmt.Sprintf("%s exited with code %d", msg, f.ExitCode)
	} else if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	if out := strings.TrimSpace(f.Output); out != "" {
		msg = fmt.Sprintf("%s, output: %s", msg, out)
	}
	return msg
}

type DumpFailure struct{ ToolFailure }

func (e *DumpFailure) Error() string { return e.describe("dump") }
func (e *DumpFailure) Unwrap() error { return e.Err }

type RestoreFailure struct{ ToolFailure }

func (e *RestoreFailure) Error() string { return e.describe("restore") }
func (e *RestoreFailure) Unwrap() error { return e.Err }

// TransferFailure is returned once every storage strategy has been exhausted.
type TransferFailure struct {
	Bucket   string
	Key      string
	Attempts []StrategyAttempt
	Err      error
}

func (f *TransferFailure) describe(verb string) string {
	names := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		names = append(names, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("%s s3://%s/%s failed with all strategies [%s]",
		verb, f.Bucket, f.Key, strings.Join(names, "; "))
}

type UploadFailure struct{ TransferFailure }

func (e *UploadFailure) Error() string { return e.describe("upload") }
func (e *UploadFailure) Unwrap() error { return e.Err }

type DownloadFailure struct{ TransferFailure }

func (e *DownloadFailure) Error() string { return e.describe("download") }
func (e *DownloadFailure) Unwrap() error { return e.Err }

// VerificationFailure means the object could not be confirmed after upload.
type VerificationFailure struct {
	Bucket string
	Key    string
	Method string
	Reason string
	Err    error
}

func (e *VerificationFailure) Error() string {
	msg := fmt.Sprintf("verification of s3://%s/%s failed", e.Bucket, e.Key)
	if e.Method != "" {
		msg += " (" + e.Method + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *VerificationFailure) Unwrap() error { return e.Err }

// CallbackDeliveryError is logged only; it never fails a job.
type CallbackDeliveryError struct {
	URL      string
	Status   Status
	Attempts int
	Err      error
}

func (e *CallbackDeliveryError) Error() string {
	return fmt.Sprintf("deliver %s callback to %s after %d attempt(s): %v", e.Status, e.URL, e.Attempts, e.Err)
}

func (e *CallbackDeliveryError) Unwrap() error { return e.Err }
