// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.
// Bodies may be JSON or form encoded; both are read through RequestBodyParser.

package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cofre/internal/core"
)

const maxBodyBytes = 64 << 10

// ParsePeriod reads ?year=&month= from query. Both absent selects all time;
// a month without a year refers to the current year.
func ParsePeriod(query url.Values, now time.Time) (core.Period, error) {
	ys := strings.TrimSpace(query.Get("year"))
	ms := strings.TrimSpace(query.Get("month"))
	if ys == "" && ms == "" {
		return core.AllTime, nil
	}
	if ms == "" {
		return core.Period{}, &core.ValidationError{Field: "month", Err: core.ErrInvalidPeriod}
	}

	year := now.Year()
	if ys != "" {
		y, err := strconv.Atoi(ys)
		if err != nil {
			return core.Period{}, &core.ValidationError{Field: "year", Err: core.ErrInvalidPeriod}
		}
		year = y
	}
	month, err := strconv.Atoi(ms)
	if err != nil {
		return core.Period{}, &core.ValidationError{Field: "month", Err: core.ErrInvalidPeriod}
	}
	return core.NewPeriod(year, month)
}

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON objects and form-encoded data.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads at most 64 KiB of the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	if r.Body == nil {
		return p
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if p.err == nil && len(p.body) > maxBodyBytes {
		p.err = fmt.Errorf("request body larger than %d bytes", maxBodyBytes)
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	trimmed := bytes.TrimSpace(p.body)
	if len(trimmed) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		p.jsonData = make(map[string]any)
		if err := dec.Decode(&p.jsonData); err != nil {
			p.err = fmt.Errorf("invalid JSON body: %w", err)
			return p.err
		}
		return nil
	}
	if trimmed[0] == '[' {
		p.err = fmt.Errorf("invalid JSON body: expected an object")
		return p.err
	}

	p.formData, p.err = url.ParseQuery(string(trimmed))
	return p.err
}

// Has reports whether key was sent, even with an empty or null value.
func (p *RequestBodyParser) Has(key string) bool {
	if p.jsonData != nil {
		_, ok := p.jsonData[key]
		return ok
	}
	if p.formData != nil {
		_, ok := p.formData[key]
		return ok
	}
	return false
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return strings.TrimSpace(sanitizeInput(stringValue(val)))
		}
		return ""
	}
	if p.formData != nil {
		return strings.TrimSpace(sanitizeInput(p.formData.Get(key)))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts a decoded JSON value to string. null becomes "".
func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// sanitizeInput removes control characters except tab, newline and carriage return.
func sanitizeInput(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

func parseAmount(field, s string) (core.Money, error) {
	m, err := core.ParseMoney(s)
	if err != nil {
		return core.Money{}, &core.ValidationError{Field: field, Err: core.ErrInvalidAmount}
	}
	return m, nil
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (UTC midnight).
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, &core.ValidationError{Field: "occurred_at", Err: core.ErrInvalidDate}
}

// MovementInputFrom builds a new movement for vaultID from the body fields
// kind, amount, description and occurred_at.
func MovementInputFrom(p *RequestBodyParser, vaultID string) (core.MovementInput, error) {
	in := core.MovementInput{VaultID: vaultID, Description: p.Get("description")}

	kind, err := core.ParseKind(p.Get("kind"))
	if err != nil {
		return core.MovementInput{}, err
	}
	in.Kind = kind

	if in.Amount, err = parseAmount("amount", p.Get("amount")); err != nil {
		return core.MovementInput{}, err
	}

	if s := p.Get("occurred_at"); s != "" {
		if in.OccurredAt, err = parseDate(s); err != nil {
			return core.MovementInput{}, err
		}
	}
	return in, nil
}

// MovementPatchFrom builds a patch from the fields present in the body.
func MovementPatchFrom(p *RequestBodyParser) (core.MovementPatch, error) {
	var patch core.MovementPatch
	if p.Has("kind") {
		kind, err := core.ParseKind(p.Get("kind"))
		if err != nil {
			return core.MovementPatch{}, err
		}
		patch.Kind = &kind
	}
	if p.Has("amount") {
		amount, err := parseAmount("amount", p.Get("amount"))
		if err != nil {
			return core.MovementPatch{}, err
		}
		patch.Amount = &amount
	}
	if p.Has("description") {
		desc := p.Get("description")
		patch.Description = &desc
	}
	if p.Has("occurred_at") {
		at, err := parseDate(p.Get("occurred_at"))
		if err != nil {
			return core.MovementPatch{}, err
		}
		patch.OccurredAt = &at
	}
	return patch, nil
}

// VaultFieldsFrom reads name and the optional target of a new vault.
func VaultFieldsFrom(p *RequestBodyParser) (string, *core.Money, error) {
	name := p.Get("name")
	s := p.Get("target")
	if s == "" {
		return name, nil, nil
	}
	target, err := parseAmount("target", s)
	if err != nil {
		return "", nil, err
	}
	return name, &target, nil
}

// VaultPatchFrom builds a vault patch. A target sent empty or null clears it.
func VaultPatchFrom(p *RequestBodyParser) (core.VaultPatch, error) {
	var patch core.VaultPatch
	if p.Has("name") {
		name := p.Get("name")
		patch.Name = &name
	}
	if p.Has("target") {
		s := p.Get("target")
		if s == "" {
			patch.ClearTarget = true
		} else {
			target, err := parseAmount("target", s)
			if err != nil {
				return core.VaultPatch{}, err
			}
			patch.Target = &target
		}
	}
	return patch, nil
}
