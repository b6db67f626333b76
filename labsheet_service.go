package cttso_pieriandx_gateway

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// LabSheetService reads the lab tracking sheet export kept in S3.
type LabSheetService struct {
	store  ObjectStore
	bucket string
	key    string
}

func NewLabSheetService(store ObjectStore, bucket, key string) *LabSheetService {
	return &LabSheetService{store: store, bucket: bucket, key: key}
}

// ListLabRecords returns the ctDNA ctTSO rows only.
func (l *LabSheetService) ListLabRecords(ctx context.Context) ([]LabRecord, error) {
	data, err := l.store.GetObject(ctx, l.bucket, l.key)
	if err != nil {
		return nil, fmt.Errorf("Failed to fetch lab sheet: %w", err)
	}
	rows, err := ReadAccessionCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Failed to parse lab sheet: %w", err)
	}
	return parseLabRows(rows), nil
}

func parseLabRows(rows []map[string]string) []LabRecord {
	var records []LabRecord
	for _, row := range rows {
		if !strings.EqualFold(row["Type"], "ctDNA") || !strings.EqualFold(row["Assay"], "ctTSO") {
			continue
		}
		key := SampleKey{SubjectID: strings.TrimSpace(row["SubjectID"]), LibraryID: strings.TrimSpace(row["LibraryID"])}
		if key.SubjectID == "" || key.LibraryID == "" {
			continue
		}
		project := strings.ToLower(strings.TrimSpace(row["ProjectName"]))
		records = append(records, LabRecord{
			Key:             key,
			SequenceRunName: strings.TrimSpace(row["Run"]),
			IsValidation:    project == "validation" || project == "control",
			IsResearch:      strings.EqualFold(strings.TrimSpace(row["Workflow"]), "research"),
			IsDeleted:       strings.EqualFold(strings.TrimSpace(row["Status"]), "deleted"),
		})
	}
	return records
}
