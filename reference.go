package cttso_pieriandx_gateway

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"
)

//go:embed references/*.yaml
var referenceFS embed.FS

// ReferenceTables maps SNOMED codes to labels for diseases and specimen types.
type ReferenceTables struct {
	Diseases  []SnomedTerm
	Specimens []SnomedTerm
}

var defaultReferences = mustLoadReferenceTables()

func mustLoadReferenceTables() *ReferenceTables {
	refs, err := LoadReferenceTables()
	if err != nil {
		panic(err)
	}
	return refs
}

// LoadReferenceTables reads the embedded tables.
func LoadReferenceTables() (*ReferenceTables, error) {
	diseases, err := readTerms("references/disease.yaml")
	if err != nil {
		return nil, err
	}
	specimens, err := readTerms("references/specimen.yaml")
	if err != nil {
		return nil, err
	}
	return &ReferenceTables{Diseases: diseases, Specimens: specimens}, nil
}

func readTerms(path string) ([]SnomedTerm, error) {
	data, err := referenceFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read reference table %s: %w", path, err)
	}
	var terms []SnomedTerm
	if err := yaml.Unmarshal(data, &terms); err != nil {
		return nil, fmt.Errorf("Failed to parse reference table %s: %w", path, err)
	}
	return terms, nil
}

// resolveTerm returns the term for code, or for label when code is empty.
// A code always wins over a label.
func resolveTerm(field string, terms []SnomedTerm, code, label string) (SnomedTerm, error) {
	code, label = strings.TrimSpace(code), strings.TrimSpace(label)
	if code != "" {
		if !isNumeric(code) {
			return SnomedTerm{}, newValidationError(field, "code %q is not numeric", code)
		}
		for _, t := range terms {
			if t.Code == code {
				return t, nil
			}
		}
		if label != "" {
			return SnomedTerm{Code: code, Label: label}, nil
		}
		return SnomedTerm{}, newValidationError(field, "unknown code %q and no label given", code)
	}
	if label == "" {
		return SnomedTerm{}, newValidationError(field, "missing")
	}
	for _, t := range terms {
		if strings.EqualFold(t.Label, label) {
			return t, nil
		}
	}
	return SnomedTerm{}, newValidationError(field, "label %q not found in reference table", label)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
