package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICAService(t *testing.T) {
	ctx := context.Background()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/presigned/RunInfo.xml" {
			_, _ = w.Write([]byte(RunInfoXMLFixture))
			return
		}
		assert.Equal(t, "Bearer ica-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/workflows/runs":
			assert.Equal(t, "Succeeded", r.URL.Query().Get("status"))
			if r.URL.Query().Get("pageToken") == "" {
				_, _ = w.Write([]byte(`{"items": [{"id": "wfr.1", "name": "run one", "status": "Succeeded", "timeCreated": "2021-10-10T01:00:00Z"}], "nextPageToken": "p2"}`))
				return
			}
			_, _ = w.Write([]byte(`{"items": [{"id": "wfr.2", "name": "run two", "status": "Succeeded", "timeCreated": "2021-10-10T02:00:00Z"}]}`))
		case "/v1/workflows/runs/wfr.1":
			assert.Equal(t, "engineParameters", r.URL.Query().Get("include"))
			params, _ := json.Marshal(map[string]string{"outputDirectory": testOutputDir, "workDirectory": testWorkDir})
			body, _ := json.Marshal(map[string]any{
				"id": "wfr.1", "name": WorkflowNameFixture, "status": "Succeeded",
				"timeCreated": "2021-10-10T01:00:00Z", "timeStopped": "2021-10-11T01:00:00Z",
				"input":            json.RawMessage(ProcessedLayoutInputFixture),
				"engineParameters": string(params),
			})
			_, _ = w.Write(body)
		case "/v1/files":
			assert.Equal(t, "production", r.URL.Query().Get("volume.name"))
			assert.Equal(t, "/analysis_data/PRJ210001/tso_ctdna_tumor_only/202110105b9c4a1e/L2100001/Work/*", r.URL.Query().Get("path"))
			fmt.Fprintf(w, `{"items": [{"name": "RunInfo.xml", "volumeName": "production", "path": "/analysis_data/RunInfo.xml", "sizeInBytes": %d, "presignedUrl": "%s/presigned/RunInfo.xml"}]}`,
				len(RunInfoXMLFixture), server.URL)
		case "/v1/workflows/runs/missing":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	ica := NewICAService(server.URL, "ica-token", server.Client())

	t.Run("ListWorkflowRuns", func(t *testing.T) {
		runs, err := ica.ListWorkflowRuns(ctx, RunSucceeded)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "wfr.2", runs[1].ID)
	})

	t.Run("GetWorkflowRun", func(t *testing.T) {
		run, err := ica.GetWorkflowRun(ctx, "wfr.1")
		require.NoError(t, err)
		assert.Equal(t, testOutputDir, run.OutputDir)
		assert.Equal(t, testWorkDir, run.WorkDir)
		assert.Contains(t, run.Input, "primary_data")

		meta := NewMetadataExtractor().Extract(run, run.Input)
		assert.Equal(t, "211008_A00130_0181_AHWC25DSX2", meta.SequencerRunName)
	})

	t.Run("NotFoundIsNotRetried", func(t *testing.T) {
		_, err := ica.GetWorkflowRun(ctx, "missing")
		assert.Error(t, err)
	})

	t.Run("ListAndDownload", func(t *testing.T) {
		files, err := ica.ListFiles(ctx, testWorkDir)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "gds://production/analysis_data/RunInfo.xml", files[0].URI())

		data, err := ica.Download(ctx, files[0])
		require.NoError(t, err)
		assert.Equal(t, RunInfoXMLFixture, string(data))
	})

	t.Run("NotAGDSFolder", func(t *testing.T) {
		_, err := ica.ListFiles(ctx, "s3://bucket/folder")
		assert.Error(t, err)
	})
}
