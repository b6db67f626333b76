package cttso_pieriandx_gateway

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const SampleSheetName = "SampleSheet_Intermediate.csv"

type SectionKind int

const (
	SectionKeyValue SectionKind = iota
	SectionList
	SectionTable
)

type SampleSheetSection struct {
	Name   string
	Kind   SectionKind
	Values map[string]string
	Items  []string
	Header []string
	Rows   []map[string]string
}

// SampleSheet holds the [Section] blocks of an Illumina sample sheet.
type SampleSheet struct {
	Sections map[string]*SampleSheetSection
	Order    []string
}

var sectionHeaderRegex = regexp.MustCompile(`^\[(\w+)\],*$`)

// ParseSampleSheet reads every section. Sections named Data or ending in _Data
// are tables, Reads is a list, everything else is key/value pairs.
func ParseSampleSheet(r io.Reader) (*SampleSheet, error) {
	sheet := &SampleSheet{Sections: map[string]*SampleSheetSection{}}
	var (
		current string
		lines   = map[string][]string{}
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if m := sectionHeaderRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current = m[1]
			if _, seen := lines[current]; seen {
				return nil, fmt.Errorf("Failed to parse sample sheet: duplicate section %q", current)
			}
			lines[current] = nil
			sheet.Order = append(sheet.Order, current)
			continue
		}
		if current == "" || strings.Trim(line, ", \t") == "" {
			continue
		}
		lines[current] = append(lines[current], line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Failed to read sample sheet: %w", err)
	}

	for _, name := range sheet.Order {
		section, err := parseSection(name, lines[name])
		if err != nil {
			return nil, err
		}
		sheet.Sections[name] = section
	}
	return sheet, nil
}

func sectionKind(name string) SectionKind {
	switch {
	case name == "Data" || strings.HasSuffix(name, "_Data"):
		return SectionTable
	case name == "Reads":
		return SectionList
	}
	return SectionKeyValue
}

func parseSection(name string, lines []string) (*SampleSheetSection, error) {
	section := &SampleSheetSection{Name: name, Kind: sectionKind(name)}
	reader := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("Failed to parse sample sheet section %q: %w", name, err)
	}
	switch section.Kind {
	case SectionList:
		for _, rec := range records {
			section.Items = append(section.Items, strings.TrimSpace(rec[0]))
		}
	case SectionKeyValue:
		section.Values = map[string]string{}
		for _, rec := range records {
			value := ""
			if len(rec) > 1 {
				value = strings.TrimSpace(rec[1])
			}
			section.Values[strings.TrimSpace(rec[0])] = value
		}
	case SectionTable:
		if len(records) == 0 {
			return section, nil
		}
		for _, h := range records[0] {
			if h = strings.TrimSpace(h); h != "" {
				section.Header = append(section.Header, h)
			}
		}
		for _, rec := range records[1:] {
			row := make(map[string]string, len(section.Header))
			for i, h := range section.Header {
				if i < len(rec) {
					row[h] = strings.TrimSpace(rec[i])
				}
			}
			section.Rows = append(section.Rows, row)
		}
	}
	return section, nil
}

// SampleEntry is one sample's placement on the flowcell.
type SampleEntry struct {
	SampleID   string
	Lane       string
	Barcode    string
	SampleType string
}

// FindSample looks for sampleID in every table section, preferring [Data].
func (s *SampleSheet) FindSample(sampleID string) (SampleEntry, bool) {
	names := append([]string{"Data"}, s.Order...)
	for _, name := range names {
		section, ok := s.Sections[name]
		if !ok || section.Kind != SectionTable {
			continue
		}
		for _, row := range section.Rows {
			if row["Sample_ID"] != sampleID {
				continue
			}
			entry := SampleEntry{SampleID: sampleID, Lane: row["Lane"], SampleType: row["Sample_Type"]}
			if entry.Lane == "" {
				entry.Lane = "1"
			}
			entry.Barcode = row["index"]
			if row["index2"] != "" {
				entry.Barcode = fmt.Sprintf("%s-%s", row["index"], row["index2"])
			}
			if entry.SampleType == "" {
				entry.SampleType = "DNA"
			}
			return entry, true
		}
	}
	return SampleEntry{}, false
}

// SampleIDs lists the distinct Sample_ID values of every table section.
func (s *SampleSheet) SampleIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, name := range s.Order {
		section := s.Sections[name]
		if section.Kind != SectionTable {
			continue
		}
		for _, row := range section.Rows {
			if id := row["Sample_ID"]; id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
