package svcerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), Transient},
		{"permanent", NewPermanent(errors.New("denied")), Permanent},
		{"wrapped invalid", fmt.Errorf("stage: %w", NewInvalidInput(errors.New("bad"))), InvalidInput},
		{"cancelled", context.Canceled, Permanent},
		{"deadline", context.DeadlineExceeded, Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusGatewayTimeout, Transient},
		{http.StatusRequestTimeout, Transient},
		{http.StatusUnauthorized, Permanent},
		{http.StatusForbidden, Permanent},
		{http.StatusPaymentRequired, Permanent},
		{http.StatusNotFound, Permanent},
		{http.StatusBadRequest, Permanent},
		{http.StatusRequestEntityTooLarge, Permanent},
		{http.StatusUnprocessableEntity, Permanent},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status, "", "").Kind; got != tt.want {
			t.Errorf("FromStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFromStatusTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 300)
	msg := FromStatus(http.StatusBadGateway, "", body).Error()
	if !utf8.ValidString(msg) {
		t.Fatalf("message is not valid UTF-8: %q", msg)
	}
	if !strings.Contains(msg, strings.Repeat("é", 200)+"...") || strings.Contains(msg, strings.Repeat("é", 201)) {
		t.Errorf("message not cut at 200 runes: %q", msg)
	}
}

func TestFromStatusRetryAfter(t *testing.T) {
	e := FromStatus(http.StatusTooManyRequests, "3", "slow down")
	if e.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", e.RetryAfter)
	}
	if RetryAfterOf(fmt.Errorf("wrap: %w", e)) != 3*time.Second {
		t.Error("RetryAfterOf did not see through wrapping")
	}
}

func TestFromNetwork(t *testing.T) {
	if k := FromNetwork(context.Canceled).Kind; k != Permanent {
		t.Errorf("cancelled = %q, want permanent", k)
	}
	if k := FromNetwork(context.DeadlineExceeded).Kind; k != Transient {
		t.Errorf("deadline = %q, want transient", k)
	}
	if k := FromNetwork(errors.New("connection reset")).Kind; k != Transient {
		t.Errorf("reset = %q, want transient", k)
	}
}

func TestWithCapability(t *testing.T) {
	err := WithCapability(errors.New("eof"), "embedding", "embed")
	var se *Error
	if !errors.As(err, &se) {
		t.Fatal("expected *Error")
	}
	if se.Capability != "embedding" || se.Op != "embed" || se.Kind != Transient {
		t.Errorf("got %+v", se)
	}
	if err.Error() != "embedding: transient (embed): eof" {
		t.Errorf("Error() = %q", err.Error())
	}
}
