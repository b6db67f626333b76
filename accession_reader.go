package cttso_pieriandx_gateway

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ReadAccessionCSV returns one raw record per data row, keyed by header.
func ReadAccessionCSV(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("Failed to read accession csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	var records []map[string]string
	for i, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		if len(row) > len(header) {
			return nil, fmt.Errorf("Failed to read accession csv: row %d has %d fields, header has %d", i+2, len(row), len(header))
		}
		record := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(row) {
				record[h] = strings.TrimSpace(row[j])
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// ReadAccessionJSON accepts a list of flat objects. Booleans become "true"/"false"
// and numbers keep their literal form.
func ReadAccessionJSON(r io.Reader) ([]map[string]string, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var items []map[string]any
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("Failed to read accession json: %w", err)
	}
	records := make([]map[string]string, 0, len(items))
	for i, item := range items {
		record := make(map[string]string, len(item))
		for k, v := range item {
			switch t := v.(type) {
			case nil:
				record[k] = ""
			case string:
				record[k] = strings.TrimSpace(t)
			case bool:
				record[k] = ParseIdentifiedFlag(t).String()
			case json.Number:
				record[k] = t.String()
			default:
				return nil, fmt.Errorf("Failed to read accession json: item %d field %q is not a scalar", i, k)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
