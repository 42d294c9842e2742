// Package validation guards every externally supplied field before it reaches
// the reward orchestrator or the reward service. The checks here are pure and
// never touch the network.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// MaxIdentifierLength bounds actor, container and reward identifiers.
const MaxIdentifierLength = 64

// MaxTextLength is the length Sanitize truncates to, in runes.
const MaxTextLength = 256

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

	// Keyword-plus-operator combinations typical of query or markup injection.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"\w]+\s*(=|<|>|like)`),
		regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+`),
		regexp.MustCompile(`(?i)\bunion\b[\s\S]*\bselect\b`),
		regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|truncate|exec)\b`),
		regexp.MustCompile(`(?i)['"]\s*;?\s*--`),
		regexp.MustCompile(`/\*[\s\S]*\*/`),
		regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)\b`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\bon(error|load|click|mouseover)\s*=`),
	}

	htmlEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
)

// IsValidIdentifier reports whether s is 1-64 characters of [A-Za-z0-9_-]
// starting with a letter or digit.
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// IsValidAmount reports whether n is a non-negative amount no larger than max.
func IsValidAmount(n, max int64) bool {
	return n >= 0 && n <= max
}

// IsSafeText rejects text matching known injection patterns and text that
// is not valid UTF-8 or contains NUL bytes.
func IsSafeText(s string) bool {
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return false
	}
	for _, p := range injectionPatterns {
		if p.MatchString(s) {
			return false
		}
	}
	return true
}

// Sanitize trims, strips NUL bytes, truncates to MaxTextLength runes and
// HTML-escapes the result. It never fails.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxTextLength {
		s = string([]rune(s)[:MaxTextLength])
	}
	return htmlEscaper.Replace(s)
}

// RequestSizeMiddleware limits request body size. Declared oversize bodies
// are rejected up front; undeclared ones fail while binding.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "invalid_input",
				"message": "Request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidIdentifier checks a required identifier field.
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// ValidAmount checks a monetary field lies in [0, max].
func ValidAmount(field string, value, max int64) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidAmount(value, max) {
			return &ValidationError{Field: field, Message: "must be a non-negative amount within limits"}
		}
		return nil
	}
}

// SafeText checks free text for injection patterns.
func SafeText(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsSafeText(value) {
			return &ValidationError{Field: field, Message: "contains disallowed content"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IdentifierParamMiddleware rejects malformed identifiers in the named URL
// parameters before the handler runs.
func IdentifierParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v != "" && !IsValidIdentifier(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_input",
					"message": p + " must be a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
