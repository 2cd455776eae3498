package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
	"budgetbase/internal/identity"
)

const maxBodyBytes = 1 << 20

// Profile headers set by the authenticating proxy.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserName   = "X-User-Name"
	HeaderProfession = "X-User-Profession"
)

// withProfile attaches the caller's profile when the proxy supplied one.
func withProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeInput(r.Header.Get(HeaderUserID))
		if id != "" {
			p := core.Profile{
				UserID:     id,
				FullName:   sanitizeInput(r.Header.Get(HeaderUserName)),
				Profession: core.ParseProfession(sanitizeInput(r.Header.Get(HeaderProfession))),
			}
			r = r.WithContext(identity.WithProfile(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// readJSON decodes a single JSON object, rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &core.ValidationError{Field: "body", Message: "is required"}
		}
		return &core.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return &core.ValidationError{Field: "body", Message: "must contain a single object"}
	}
	return nil
}

// parseAmount accepts dot or comma decimal separators.
func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := core.ParseAmount(s)
	if err != nil {
		return decimal.Zero, &core.ValidationError{Field: field, Message: "invalid amount"}
	}
	return d, nil
}

// parseDate parses an optional YYYY-MM-DD value.
func parseDate(field, s string) (core.Date, error) {
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, &core.ValidationError{Field: field, Message: "expected YYYY-MM-DD"}
	}
	return d, nil
}

// recordKind maps a URL segment such as "employee-loans" to a store kind.
func recordKind(segment string) core.Kind {
	return core.Kind(strings.ReplaceAll(segment, "-", "_"))
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
