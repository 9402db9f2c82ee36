package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "nil error returns empty", err: nil, wantCode: ""},
		{name: "duplicate sku sentinel", err: fmt.Errorf("create product: %w", ErrDuplicateSKU), wantCode: "DB001"},
		{name: "duplicate key text", err: errors.New("ERROR: duplicate key value violates unique constraint \"products_sku_key\""), wantCode: "DB001"},
		{name: "sqlite unique text", err: errors.New("UNIQUE constraint failed: products.sku_key"), wantCode: "DB001"},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connection refused"), wantCode: "DB004"},
		{name: "deadline", err: fmt.Errorf("flush: %w", context.DeadlineExceeded), wantCode: "DB006"},
		{name: "cancelled", err: context.Canceled, wantCode: "UPL003"},
		{name: "invalid input", err: invalidf("sku is required"), wantCode: "VAL001"},
		{name: "missing column beats invalid input", err: fmt.Errorf("%w: name", ErrMissingColumn), wantCode: "VAL002"},
		{name: "csv parse error", err: &csv.ParseError{StartLine: 2, Line: 2, Column: 3, Err: csv.ErrBareQuote}, wantCode: "FILE002"},
		{name: "body too large", err: errors.New("http: request body too large"), wantCode: "FILE001"},
		{name: "unsupported format", err: ErrUnsupportedFormat, wantCode: "FILE003"},
		{name: "empty file", err: ErrEmptyFile, wantCode: "FILE005"},
		{name: "too many uploads", err: ErrTooManyUploads, wantCode: "UPL001"},
		{name: "unknown upload", err: progress.ErrNotFound, wantCode: "UPL002"},
		{name: "queue full", err: fmt.Errorf("enqueue import: %w", queue.ErrQueueFull), wantCode: "UPL004"},
		{name: "not found", err: ErrNotFound, wantCode: "NF001"},
		{name: "webhook timeout", err: &DeliveryError{Kind: DeliveryTimeout, Err: context.DeadlineExceeded}, wantCode: "HOOK001"},
		{name: "webhook status", err: &DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: 503}, wantCode: "HOOK002"},
		{name: "webhook transport", err: &DeliveryError{Kind: DeliveryTransport, Err: errors.New("no such host")}, wantCode: "HOOK003"},
		{name: "unknown error", err: errors.New("something odd"), wantCode: "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if tt.err != nil && got.Message == "" {
				t.Errorf("MapError(%v).Message is empty", tt.err)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrDuplicateSKU)
	if !strings.Contains(got, "(Code: DB001)") {
		t.Errorf("FormatUserError = %q, want it to contain the code", got)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("nil should not be user facing")
	}
	if !IsUserFacing(ErrEmptyFile) {
		t.Error("ErrEmptyFile should be user facing")
	}
	if IsUserFacing(errors.New("segfault in module foo")) {
		t.Error("unknown error should not be user facing")
	}
}

func TestDeliveryError_Retryable(t *testing.T) {
	tests := []struct {
		err  *DeliveryError
		want bool
	}{
		{&DeliveryError{Kind: DeliveryTimeout}, true},
		{&DeliveryError{Kind: DeliveryTransport}, true},
		{&DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: 500}, true},
		{&DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: 429}, true},
		{&DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: 400}, false},
		{&DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: 410}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("%v Retryable() = %v, want %v", tt.err, got, tt.want)
		}
	}
}
