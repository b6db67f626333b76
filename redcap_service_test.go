package cttso_pieriandx_gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedCapService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "redcap-token", r.PostForm.Get("token"))
		assert.Equal(t, "record", r.PostForm.Get("content"))
		switch r.PostForm.Get("rawOrLabel") {
		case "raw":
			_, _ = w.Write([]byte(`[
				{"record_id": "1", "id_sbj": "PRJ210001", "libraryid": "L2100001", "clinician_firstname": "Sean",
				 "clinician_lastname": "Grimmond", "patient_urn": "3069999", "disease": "363358000",
				 "date_collection": "2021-10-01", "time_collected": "09:00", "date_receipt": "2021-10-02"},
				{"record_id": "2", "id_sbj": "PRJ210002", "libraryid": "L2100002"}
			]`))
		case "label":
			_, _ = w.Write([]byte(`[
				{"record_id": "1", "id_sbj": "PRJ210001", "libraryid": "L2100001", "report_type": "patientcare",
				 "disease": "Malignant tumor of lung", "patient_gender": "Female", "pierian_metadata_complete": "Complete"},
				{"record_id": "2", "id_sbj": "PRJ210002", "libraryid": "L2100002", "report_type": "deleted",
				 "pierian_metadata_complete": "Incomplete"},
				{"record_id": "3", "id_sbj": "", "libraryid": "L2100003"}
			]`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	records, err := NewRedCapService(server.URL, "redcap-token", server.Client()).ListTrialRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, keyA, first.Key)
	assert.True(t, first.IsComplete)
	assert.False(t, first.IsDeleted)
	assert.Equal(t, "3069999", first.Fields["mrn"])
	assert.Equal(t, "363358000", first.Fields["disease_code"])
	assert.Equal(t, "Malignant tumor of lung", first.Fields["disease_label"])
	assert.Equal(t, "Female", first.Fields["gender"])
	assert.Equal(t, "Sean", first.Fields["requesting_physicians_first_name"])
	assert.Equal(t, "2021-10-01", first.Fields["date_collected"])

	assert.Equal(t, keyB, records[1].Key)
	assert.True(t, records[1].IsDeleted)
	assert.False(t, records[1].IsComplete)
}

func TestRedCapServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewRedCapService(server.URL, "bad", server.Client()).ListTrialRecords(context.Background())
	assert.Error(t, err)
}
