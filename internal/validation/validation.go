// Package validation provides input validation for the bridge.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/mod/semver"
)

// Field limits for project and proposal content.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 10_000
	MaxReferenceLen   = 256
	DefaultMaxMembers = 100
)

// ValidateTitle validates a project or proposal title
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return fmt.Errorf("title too long (max %d chars)", MaxTitleLen)
	}
	return nil
}

// ValidateDescription validates free text fields
func ValidateDescription(field, text string) error {
	if utf8.RuneCountInString(text) > MaxDescriptionLen {
		return fmt.Errorf("%s too long (max %d chars)", field, MaxDescriptionLen)
	}
	return nil
}

// ValidateMaxMembers checks 1 <= n <= limit. A zero limit uses DefaultMaxMembers.
func ValidateMaxMembers(n, limit uint64) error {
	if limit == 0 {
		limit = DefaultMaxMembers
	}
	if n == 0 {
		return errors.New("maxMembers must be at least 1")
	}
	if n > limit {
		return fmt.Errorf("maxMembers %d exceeds limit %d", n, limit)
	}
	return nil
}

// ValidateRepositoryLink accepts an empty link or an absolute http(s) URL.
func ValidateRepositoryLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid repository link: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("invalid repository link: must be an http or https URL")
	}
	if u.Host == "" {
		return errors.New("invalid repository link: missing host")
	}
	return nil
}

// ValidateContentReference validates an opaque content reference
func ValidateContentReference(ref string) error {
	if ref == "" {
		return errors.New("content reference cannot be empty")
	}
	if len(ref) > MaxReferenceLen {
		return fmt.Errorf("content reference too long (max %d chars)", MaxReferenceLen)
	}
	if strings.ContainsAny(ref, " \t\r\n/?#") {
		return errors.New("invalid content reference: contains whitespace or URL delimiters")
	}
	return nil
}

// ValidateGovernanceMode accepts "", "solo" or "snapshot".
func ValidateGovernanceMode(mode string) error {
	switch mode {
	case "", "solo", "snapshot":
		return nil
	default:
		return fmt.Errorf("invalid governance mode %q: must be solo or snapshot", mode)
	}
}

// ValidateVersion validates a semantic version string
func ValidateVersion(v string) error {
	normalized := strings.TrimPrefix(v, "v")
	if normalized == "" {
		return errors.New("version cannot be empty")
	}
	if !semver.IsValid("v" + normalized) {
		return errors.New("invalid semver version: must be in format X.Y.Z or X.Y.Z-prerelease")
	}

	// semver accepts "v1" and "v1.2"; ABI versions must be full triples
	mainPart := strings.SplitN(normalized, "-", 2)[0]
	if strings.Count(mainPart, ".") < 2 {
		return errors.New("invalid semver version: must be in format X.Y.Z (major.minor.patch)")
	}
	return nil
}

// ValidateChainID validates a chain ID
func ValidateChainID(chainID int64) error {
	if chainID <= 0 {
		return errors.New("chain ID must be positive")
	}
	return nil
}

// ValidateLimit clamps a list limit into [1, max]; zero means max.
func ValidateLimit(limit, max int) (int, error) {
	if limit < 0 {
		return 0, errors.New("limit cannot be negative")
	}
	if limit == 0 || limit > max {
		return max, nil
	}
	return limit, nil
}
