package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for a newly created entity.
// Identifiers are opaque to every component; only the catalog and the
// in-memory session ever compare them.
func NewID() string {
	return uuid.NewString()
}

// reservedNames are identifiers that generated code claims for itself.
// A scene object, action point or action named after one of these would
// collide with a keyword or builtin once the project is built into a script,
// so they are rejected at authoring time. The set is the union of keywords
// across the script targets the build pipeline supports.
var reservedNames = map[string]struct{}{
	"and": {}, "break": {}, "case": {}, "class": {}, "const": {},
	"continue": {}, "def": {}, "default": {}, "del": {}, "do": {},
	"elif": {}, "else": {}, "except": {}, "false": {}, "finally": {},
	"for": {}, "from": {}, "func": {}, "global": {}, "if": {},
	"import": {}, "in": {}, "is": {}, "lambda": {}, "new": {},
	"none": {}, "not": {}, "null": {}, "or": {}, "pass": {},
	"raise": {}, "return": {}, "static": {}, "switch": {}, "true": {},
	"try": {}, "type": {}, "var": {}, "while": {}, "with": {},
	"yield": {},
}

// ValidateName checks that name is usable as an identifier in generated code:
// snake_case (lowercase letter first, then lowercase letters, digits or
// underscores) and not a reserved word.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("model: name must not be empty")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("model: name %q is not a valid identifier", name)
		}
	}
	if _, ok := reservedNames[strings.ToLower(name)]; ok {
		return fmt.Errorf("model: name %q is a reserved word", name)
	}
	return nil
}

// ValidateTypeName checks an object type identifier. Type ids follow
// PascalCase (the convention the built-in types establish) but the only hard
// rules are: non-empty, starts with a letter, and contains only letters,
// digits or underscores.
func ValidateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("model: type name must not be empty")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case (r == '_' || r >= '0' && r <= '9') && i > 0:
		default:
			return fmt.Errorf("model: type name %q is not a valid identifier", name)
		}
	}
	return nil
}
