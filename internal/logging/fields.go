package logging

import (
	"log/slog"
	"time"
)

// Canonical attribute keys.
const (
	KeyComponent  = "component"
	KeyJobID      = "job_id"
	KeyJobStatus  = "job_status"
	KeyStage      = "stage"
	KeyTier       = "tier"
	KeyTierName   = "tier_name"
	KeyAttempt    = "attempt"
	KeyCapability = "capability"
	KeyErrorKind  = "error_kind"
	KeyDocument   = "document_id"
	KeyWorker     = "worker"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

func JobID(id string) slog.Attr          { return slog.String(KeyJobID, id) }
func JobStatus(s string) slog.Attr       { return slog.String(KeyJobStatus, s) }
func Stage(name string) slog.Attr        { return slog.String(KeyStage, name) }
func Tier(i int) slog.Attr               { return slog.Int(KeyTier, i) }
func TierName(n string) slog.Attr        { return slog.String(KeyTierName, n) }
func Attempt(n int) slog.Attr            { return slog.Int(KeyAttempt, n) }
func Capability(c string) slog.Attr      { return slog.String(KeyCapability, c) }
func ErrorKind(k string) slog.Attr       { return slog.String(KeyErrorKind, k) }
func Document(id string) slog.Attr       { return slog.String(KeyDocument, id) }
func Worker(id string) slog.Attr         { return slog.String(KeyWorker, id) }
func Duration(d time.Duration) slog.Attr { return slog.Int64(KeyDurationMS, d.Milliseconds()) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
