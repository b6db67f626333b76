package cttso_pieriandx_gateway

import (
	"strings"
)

type IdentifiedKind int

const (
	IdentifiedMissing IdentifiedKind = iota
	IdentifiedBool
	IdentifiedStringBool
)

// IdentifiedFlag is is_identified as it arrived: a real boolean, the strings
// "true"/"false" in any case, or nothing at all.
type IdentifiedFlag struct {
	Kind IdentifiedKind
	Bool bool
	Raw  string
}

// ParseIdentifiedFlag classifies a decoded JSON value or a CSV cell.
func ParseIdentifiedFlag(v any) IdentifiedFlag {
	switch t := v.(type) {
	case bool:
		return IdentifiedFlag{Kind: IdentifiedBool, Bool: t}
	case *bool:
		if t == nil {
			return IdentifiedFlag{Kind: IdentifiedMissing}
		}
		return IdentifiedFlag{Kind: IdentifiedBool, Bool: *t}
	case string:
		if strings.TrimSpace(t) == "" {
			return IdentifiedFlag{Kind: IdentifiedMissing}
		}
		return IdentifiedFlag{Kind: IdentifiedStringBool, Raw: t}
	}
	return IdentifiedFlag{Kind: IdentifiedMissing}
}

// Normalize is the only place is_identified becomes a bool.
func (f IdentifiedFlag) Normalize() (bool, error) {
	switch f.Kind {
	case IdentifiedBool:
		return f.Bool, nil
	case IdentifiedStringBool:
		switch strings.ToLower(strings.TrimSpace(f.Raw)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, newValidationError("is_identified", "%q is neither true nor false", f.Raw)
	}
	return false, newValidationError("is_identified", "missing")
}

// String renders the flag as a CSV cell.
func (f IdentifiedFlag) String() string {
	switch f.Kind {
	case IdentifiedBool:
		if f.Bool {
			return "true"
		}
		return "false"
	case IdentifiedStringBool:
		return f.Raw
	}
	return ""
}
