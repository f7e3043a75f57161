// Package naming resolves $$TOKEN$$ placeholders in metadata file name
// templates into file system safe names.
package naming

import (
	"regexp"
	"strings"
	"time"
)

// Recognized tokens.
const (
	TokenDate        = "$$DATE$$"
	TokenDateTime    = "$$DATETIME$$"
	TokenDateMinus12 = "$$DATEMINUS12$$"
	TokenTargetName  = "$$TARGETNAME$$"
	TokenFilter      = "$$FILTER$$"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02_15-04-05"
)

// Source supplies the values tokens are resolved against.
type Source interface {
	TokenTime() time.Time
	TokenTarget() string
	TokenFilter() string
}

// TokenInfo describes one recognized token.
type TokenInfo struct {
	Token       string
	Description string
}

var tokenPattern = regexp.MustCompile(`\$\$[A-Z0-9_]+\$\$`)

// invalidChars are the characters that may not appear in a file name on any
// platform the host runs on.
const invalidChars = "\"<>|:*?\\/"

// minDateMinus12 is the earliest exposure start for which $$DATEMINUS12$$ is
// resolved.
var minDateMinus12 = time.Time{}.Add(12 * time.Hour)

// Tokens lists the recognized tokens in display order.
func Tokens() []TokenInfo {
	return []TokenInfo{
		{TokenDate, "exposure start date (yyyy-MM-dd)"},
		{TokenDateTime, "exposure start date and time (yyyy-MM-dd_HH-mm-ss)"},
		{TokenDateMinus12, "date of exposure start minus 12 hours, one name per night (yyyy-MM-dd)"},
		{TokenTargetName, "target name, spaces replaced with underscores"},
		{TokenFilter, "active filter name"},
	}
}

// Substitute strips invalid file name characters from template, replaces the
// recognized tokens with values from src and turns remaining spaces into
// underscores. Unknown tokens are left verbatim. An empty template is
// returned unchanged.
func Substitute(template string, src Source) string {
	if template == "" {
		return template
	}

	values := tokenValues(src)
	name := StripInvalid(template)
	name = tokenPattern.ReplaceAllStringFunc(name, func(tok string) string {
		if v, ok := values[tok]; ok {
			return v
		}
		return tok
	})
	return strings.ReplaceAll(name, " ", "_")
}

func tokenValues(src Source) map[string]string {
	values := make(map[string]string, 5)
	if src == nil {
		return values
	}

	start := src.TokenTime()
	values[TokenDateTime] = start.Format(dateTimeLayout)
	values[TokenDate] = start.Format(dateLayout)
	if start.After(minDateMinus12) {
		values[TokenDateMinus12] = start.Add(-12 * time.Hour).Format(dateLayout)
	}
	values[TokenTargetName] = sanitizeValue(src.TokenTarget())
	if filter := src.TokenFilter(); filter != "" {
		values[TokenFilter] = sanitizeValue(filter)
	}
	return values
}

// StripInvalid removes every character that is not allowed in a file name.
func StripInvalid(s string) string {
	return strings.Map(func(r rune) rune {
		if isInvalid(r) {
			return -1
		}
		return r
	}, s)
}

// sanitizeValue replaces invalid characters inside a substituted value so a
// target such as "M 31/Andromeda" cannot introduce a path separator.
func sanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if isInvalid(r) {
			return '_'
		}
		return r
	}, s)
}

func isInvalid(r rune) bool {
	return r < 32 || strings.ContainsRune(invalidChars, r)
}
