package core

// error_messages.go maps technical errors to messages an operator can act on,
// each with a stable code support can search logs for.
//
//	DB001  duplicate SKU              DB004  database connection refused
//	DB005  connection reset           DB006  timeout
//	DB007  deadlock
//	VAL001 invalid input              VAL002 missing required column
//	FILE001 file too large            FILE002 invalid CSV
//	FILE003 unsupported format        FILE004 no file provided
//	FILE005 empty file
//	UPL001 too many uploads           UPL002 upload not found
//	UPL003 request cancelled          UPL004 queue full
//	HOOK001 webhook timeout           HOOK002 webhook bad status
//	HOOK003 webhook unreachable
//	NF001  resource not found         RATE001 rate limited
//	ERR000 anything else
//
// Sentinel errors are matched with errors.Is first. Driver errors from pgx,
// gorm and sqlite are only matchable by text, so a pattern table follows.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
)

// UserMessage is the client-facing rendering of an error.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var (
	msgDuplicateSKU   = UserMessage{"A product with this SKU already exists", "Use a different SKU or update the existing product", "DB001"}
	msgInvalidInput   = UserMessage{"The request contains invalid data", "Check the highlighted fields and try again", "VAL001"}
	msgMissingColumn  = UserMessage{"Required column is missing from the file", "The header must include sku and name", "VAL002"}
	msgUnsupported    = UserMessage{"This file type is not supported", "Upload a .csv or .xlsx file", "FILE003"}
	msgEmptyFile      = UserMessage{"The uploaded file is empty", "Upload a file with a header row", "FILE005"}
	msgTooManyUploads = UserMessage{"System is busy processing other uploads", "Please wait a moment and try again", "UPL001"}
	msgUploadNotFound = UserMessage{"Upload not found", "The upload id is unknown or has expired", "UPL002"}
	msgQueueFull      = UserMessage{"Background queue is full", "Please try again shortly", "UPL004"}
	msgNotFound       = UserMessage{"The requested resource was not found", "Check the id and try again", "NF001"}
	msgHookTimeout    = UserMessage{"The webhook endpoint did not respond in time", "Check that the endpoint is reachable and fast", "HOOK001"}
	msgHookStatus     = UserMessage{"The webhook endpoint returned an error status", "Check the endpoint's logs", "HOOK002"}
	msgHookTransport  = UserMessage{"The webhook endpoint could not be reached", "Verify the URL and network access", "HOOK003"}
)

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are checked in order against the lowercased error text.
var errorPatterns = []errorPattern{
	{"duplicate key", msgDuplicateSKU},
	{"unique constraint", msgDuplicateSKU},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "UPL003"}},
	{"context deadline exceeded", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"request body too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"file too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"parse error", UserMessage{"File is not a valid CSV", "Ensure the file is comma-separated with a header row", "FILE002"}},
	{"no file provided", UserMessage{"No file was selected", "Attach the file in the \"file\" form field", "FILE004"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts err into a UserMessage. A nil error maps to the zero value.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var de *DeliveryError
	switch {
	case errors.Is(err, ErrDuplicateSKU):
		return msgDuplicateSKU
	case errors.Is(err, ErrMissingColumn):
		return msgMissingColumn
	case errors.Is(err, ErrInvalidInput):
		return msgInvalidInput
	case errors.Is(err, ErrUnsupportedFormat):
		return msgUnsupported
	case errors.Is(err, ErrEmptyFile):
		return msgEmptyFile
	case errors.Is(err, ErrTooManyUploads):
		return msgTooManyUploads
	case errors.Is(err, progress.ErrNotFound):
		return msgUploadNotFound
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrClosed):
		return msgQueueFull
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.As(err, &de):
		switch de.Kind {
		case DeliveryTimeout:
			return msgHookTimeout
		case DeliveryHTTPStatus:
			return msgHookStatus
		default:
			return msgHookTransport
		}
	}

	text := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(text, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	return err != nil && MapError(err).Code != defaultMessage.Code
}
