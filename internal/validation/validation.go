package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
)

const (
	MaxIdentifierLength = 256
	MaxKeyParts         = 8
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// Addf appends a formatted validation error.
func (c *Collector) Addf(field, format string, args ...any) {
	c.errors = append(c.errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateIdentifier checks a name used as an id or a type/property name:
// required, valid UTF-8, no null bytes, at most MaxIdentifierLength runes.
func ValidateIdentifier(field, value string) *ValidationError {
	switch {
	case strings.TrimSpace(value) == "":
		return &ValidationError{Field: field, Message: "is required"}
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	case strings.Contains(value, "\x00"):
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	case utf8.RuneCountInString(value) > MaxIdentifierLength:
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxIdentifierLength),
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

var (
	operations = []string{cachesync.OperationInsert, cachesync.OperationUpdate, cachesync.OperationDelete}
	keyKinds   = []string{"int", "string", "uuid", "float", "bool", "time"}
)

// ValidateSaveRequest checks the structure of a save request. Semantic
// checks that need stored data (missing rows, duplicate keys) belong to
// the store.
func ValidateSaveRequest(req *cachesync.SaveRequest, maxEntities int) []ValidationError {
	var c Collector
	c.Add(ValidateIdentifier("save_id", req.SaveID))
	c.Add(ValidateIdentifier("source_id", req.SourceID))

	if len(req.Entities) == 0 {
		c.Addf("entities", "must contain at least one entity")
	}
	if maxEntities > 0 && len(req.Entities) > maxEntities {
		c.Addf("entities", "exceeds maximum of %d entities", maxEntities)
	}

	refs := make(map[string]bool, len(req.Entities))
	for i := range req.Entities {
		validatePayload(&c, i, &req.Entities[i], refs)
	}
	return c.Errors()
}

func validatePayload(c *Collector, i int, p *cachesync.EntityPayload, refs map[string]bool) {
	field := func(name string) string { return fmt.Sprintf("entities[%d].%s", i, name) }

	c.Add(ValidateIdentifier(field("ref"), p.Ref))
	if refs[p.Ref] {
		c.Addf(field("ref"), "duplicate ref %q", p.Ref)
	}
	refs[p.Ref] = true
	c.Add(ValidateIdentifier(field("type"), p.Type))
	c.Add(ValidateEnum(field("operation"), p.Operation, operations))

	switch {
	case len(p.KeyProperties) == 0:
		c.Addf(field("key_properties"), "is required")
	case len(p.KeyProperties) > MaxKeyParts:
		c.Addf(field("key_properties"), "exceeds maximum of %d parts", MaxKeyParts)
	}
	if len(p.Key) != len(p.KeyProperties) {
		c.Addf(field("key"), "has %d parts for %d key properties", len(p.Key), len(p.KeyProperties))
	}
	if len(p.KeyKinds) != len(p.KeyProperties) {
		c.Addf(field("key_kinds"), "has %d kinds for %d key properties", len(p.KeyKinds), len(p.KeyProperties))
	}
	for j, kind := range p.KeyKinds {
		c.Add(ValidateEnum(fmt.Sprintf("%s[%d]", field("key_kinds"), j), kind, keyKinds))
	}
	for j, v := range p.Key {
		if v == nil {
			c.Addf(fmt.Sprintf("%s[%d]", field("key"), j), "must not be null")
		}
	}
	if len(p.OriginalKey) > 0 && len(p.OriginalKey) != len(p.KeyProperties) {
		c.Addf(field("original_key"), "has %d parts for %d key properties", len(p.OriginalKey), len(p.KeyProperties))
	}
	if p.TemporaryKey && p.Operation != cachesync.OperationInsert {
		c.Addf(field("temporary_key"), "is only allowed on insert")
	}
	for j, fk := range p.ForeignKeys {
		if len(fk.Properties) == 0 {
			c.Addf(fmt.Sprintf("%s[%d].properties", field("foreign_keys"), j), "is required")
		}
		c.Add(ValidateIdentifier(fmt.Sprintf("%s[%d].target_type", field("foreign_keys"), j), fk.TargetType))
	}
}
