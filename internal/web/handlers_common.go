package web

// Shared request parsing used across handlers.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/catalog/internal/core"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return i, nil
}

// parseBoolParam accepts true/false (any case) and returns nil when absent.
func parseBoolParam(r *http.Request, name string) (*bool, error) {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return nil, badRequest("%s must be true or false", name)
	}
	return &b, nil
}

// parseProductFilter reads skip, limit and the filter_* query parameters.
func parseProductFilter(r *http.Request) (core.ProductFilter, error) {
	var f core.ProductFilter
	var err error

	if f.Skip, err = parseIntParam(r, "skip", 0); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(r, "limit", core.DefaultListLimit); err != nil {
		return f, err
	}
	if raw := r.URL.Query().Get("filter_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, badRequest("filter_id must be an integer")
		}
		f.ID = &id
	}
	f.SKU = strings.TrimSpace(r.URL.Query().Get("filter_sku"))
	f.Name = strings.TrimSpace(r.URL.Query().Get("filter_name"))
	if f.Active, err = parseBoolParam(r, "filter_active"); err != nil {
		return f, err
	}
	return f, nil
}

// idParam parses the {id} route parameter.
func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("id must be a positive integer")
	}
	return id, nil
}

// decodeJSON reads one JSON object from the body into v. Unknown fields
// are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty")
		}
		return badRequest("malformed JSON: %v", err)
	}
	return nil
}

// clientIP returns the host part of RemoteAddr, which TrustedRealIP has
// already rewritten for trusted proxies.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
