package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	redcapRawFields   = []string{"record_id", "id_sbj", "libraryid", "clinician_firstname", "clinician_lastname", "patient_urn", "disease", "date_collection", "time_collected", "date_receipt"}
	redcapLabelFields = []string{"record_id", "id_sbj", "libraryid", "report_type", "disease", "patient_gender", "pierian_metadata_complete"}
)

// redcapFieldNames renames trial fields to accession headers.
var redcapFieldNames = map[string]string{
	"clinician_firstname": "requesting_physicians_first_name",
	"clinician_lastname":  "requesting_physicians_last_name",
	"patient_urn":         "mrn",
	"date_collection":     "date_collected",
	"time_collected":      "time_collected",
	"date_receipt":        "date_received",
	"patient_gender":      "gender",
	"report_type":         "sample_type",
}

// RedCapService exports trial records from the clinical trial database.
type RedCapService struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

func NewRedCapService(apiURL, token string, httpClient *http.Client) *RedCapService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &RedCapService{apiURL: apiURL, token: token, httpClient: httpClient}
}

// ListTrialRecords merges the raw and label exports per record.
func (r *RedCapService) ListTrialRecords(ctx context.Context) ([]TrialRecord, error) {
	raw, err := r.export(ctx, redcapRawFields, "raw")
	if err != nil {
		return nil, err
	}
	labels, err := r.export(ctx, redcapLabelFields, "label")
	if err != nil {
		return nil, err
	}
	rawByRecord := map[string]map[string]string{}
	for _, row := range raw {
		rawByRecord[row["record_id"]] = row
	}

	var records []TrialRecord
	for _, label := range labels {
		key := SampleKey{SubjectID: strings.TrimSpace(label["id_sbj"]), LibraryID: strings.TrimSpace(label["libraryid"])}
		if key.SubjectID == "" || key.LibraryID == "" {
			continue
		}
		fields := map[string]string{}
		for name, v := range rawByRecord[label["record_id"]] {
			if renamed, ok := redcapFieldNames[name]; ok {
				fields[renamed] = v
			}
		}
		fields["disease_code"] = rawByRecord[label["record_id"]]["disease"]
		fields["disease_label"] = label["disease"]
		fields["gender"] = label["patient_gender"]
		fields["sample_type"] = label["report_type"]
		records = append(records, TrialRecord{
			Key:        key,
			SampleType: label["report_type"],
			IsComplete: strings.EqualFold(label["pierian_metadata_complete"], "complete"),
			IsDeleted:  strings.EqualFold(label["report_type"], "deleted"),
			Fields:     fields,
		})
	}
	return records, nil
}

func (r *RedCapService) export(ctx context.Context, fields []string, rawOrLabel string) ([]map[string]string, error) {
	form := url.Values{
		"token":        {r.token},
		"content":      {"record"},
		"format":       {"json"},
		"type":         {"flat"},
		"rawOrLabel":   {rawOrLabel},
		"returnFormat": {"json"},
	}
	for i, f := range fields {
		form.Set(fmt.Sprintf("fields[%d]", i), f)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("Failed to build REDCap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Failed to export REDCap records: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("Failed to export REDCap records: %w", err)
	}
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("Failed to decode REDCap %s export: %w", rawOrLabel, err)
	}
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		flat := make(map[string]string, len(row))
		for k, v := range row {
			if v != nil {
				flat[k] = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		out = append(out, flat)
	}
	return out, nil
}
