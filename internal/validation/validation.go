// Package validation provides centralized input validation for featstore.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identifier strings.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// FeatureNameRules returns the rules for feature names.
func FeatureNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// EntityIDRules returns the rules for entity identifiers.
func EntityIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		// ':' separates entity and feature in cache keys
		if r == ':' {
			return fmt.Errorf("name cannot contain ':' at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateFeatureName validates a feature name.
func ValidateFeatureName(name string) error {
	return ValidateName(name, FeatureNameRules())
}

// ValidateEntityID validates an entity identifier.
func ValidateEntityID(id string) error {
	return ValidateName(id, EntityIDRules())
}

// ValidateEntityType validates an entity type string (user, product, ...).
func ValidateEntityType(entityType string) error {
	return ValidateName(entityType, FeatureNameRules())
}

// =============================================================================
// Scan Pattern Escaping
// =============================================================================

// EscapeMatchPattern escapes glob metacharacters in a key fragment so it
// can be embedded in a Redis MATCH pattern literally.
func EscapeMatchPattern(fragment string) string {
	var b strings.Builder
	b.Grow(len(fragment))
	for _, r := range fragment {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EntityScanPattern builds the MATCH pattern covering every cache key
// belonging to an entity.
func EntityScanPattern(entityID string) string {
	return EscapeMatchPattern(entityID) + ":*"
}
