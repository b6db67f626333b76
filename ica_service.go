package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	icaPageSize     = 1000
	icaMaxRetries   = 3
	maxDownloadSize = 2 << 30
)

// ICAFile is a GDS file listing entry.
type ICAFile struct {
	Name         string `json:"name"`
	VolumeName   string `json:"volumeName"`
	Path         string `json:"path"`
	SizeInBytes  int64  `json:"sizeInBytes"`
	PresignedURL string `json:"presignedUrl"`
}

// URI is the gds:// address of the file.
func (f ICAFile) URI() string {
	return fmt.Sprintf("gds://%s%s", f.VolumeName, f.Path)
}

// RunFileSource lists and reads a workflow run's output files.
type RunFileSource interface {
	ListFiles(ctx context.Context, folder string) ([]ICAFile, error)
	Download(ctx context.Context, file ICAFile) ([]byte, error)
}

// ICAService reads workflow runs and GDS files from the genomics platform.
type ICAService struct {
	baseURL       string
	accessToken   string
	httpClient    *http.Client
	retryInterval time.Duration
}

func NewICAService(baseURL, accessToken string, httpClient *http.Client) *ICAService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ICAService{
		baseURL:       strings.TrimRight(baseURL, "/"),
		accessToken:   accessToken,
		httpClient:    httpClient,
		retryInterval: time.Second,
	}
}

type icaRun struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	TimeCreated      time.Time       `json:"timeCreated"`
	TimeStopped      time.Time       `json:"timeStopped"`
	Input            json.RawMessage `json:"input"`
	EngineParameters string          `json:"engineParameters"`
}

func (r icaRun) toWorkflowRun() WorkflowRun {
	run := WorkflowRun{
		ID:          r.ID,
		Name:        r.Name,
		Status:      RunStatus(r.Status),
		TimeCreated: r.TimeCreated.UTC(),
		TimeEnded:   r.TimeStopped.UTC(),
		Input:       string(r.Input),
	}
	if r.EngineParameters != "" {
		var params struct {
			OutputDirectory string `json:"outputDirectory"`
			WorkDirectory   string `json:"workDirectory"`
		}
		if err := json.Unmarshal([]byte(r.EngineParameters), &params); err != nil {
			log.Warn().Err(err).Str("run_id", r.ID).Msg("Cannot read engine parameters")
		}
		run.OutputDir, run.WorkDir = params.OutputDirectory, params.WorkDirectory
	}
	return run
}

// ListWorkflowRuns pages through every run with the given status.
func (i *ICAService) ListWorkflowRuns(ctx context.Context, status RunStatus) ([]WorkflowRun, error) {
	var runs []WorkflowRun
	pageToken := ""
	for {
		query := url.Values{"pageSize": {fmt.Sprint(icaPageSize)}}
		if status != "" {
			query.Set("status", string(status))
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			Items         []icaRun `json:"items"`
			NextPageToken string   `json:"nextPageToken"`
		}
		if err := i.getJSON(ctx, "/v1/workflows/runs", query, &page); err != nil {
			return nil, fmt.Errorf("Failed to list workflow runs: %w", err)
		}
		for _, item := range page.Items {
			runs = append(runs, item.toWorkflowRun())
		}
		if page.NextPageToken == "" {
			return runs, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetWorkflowRun fetches one run including its output and work directories.
func (i *ICAService) GetWorkflowRun(ctx context.Context, runID string) (WorkflowRun, error) {
	var r icaRun
	query := url.Values{"include": {"engineParameters"}}
	if err := i.getJSON(ctx, "/v1/workflows/runs/"+url.PathEscape(runID), query, &r); err != nil {
		return WorkflowRun{}, fmt.Errorf("Failed to get workflow run %s: %w", runID, err)
	}
	return r.toWorkflowRun(), nil
}

// ListFiles lists folder recursively with presigned urls.
func (i *ICAService) ListFiles(ctx context.Context, folder string) ([]ICAFile, error) {
	u, err := url.Parse(folder)
	if err != nil || u.Scheme != "gds" {
		return nil, fmt.Errorf("Failed to list files: %q is not a gds folder", folder)
	}
	var files []ICAFile
	pageToken := ""
	for {
		query := url.Values{
			"volume.name": {u.Host},
			"path":        {path.Clean("/"+u.Path) + "/*"},
			"recursive":   {"true"},
			"include":     {"presignedUrl"},
			"pageSize":    {fmt.Sprint(icaPageSize)},
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			Items         []ICAFile `json:"items"`
			NextPageToken string    `json:"nextPageToken"`
		}
		if err := i.getJSON(ctx, "/v1/files", query, &page); err != nil {
			return nil, fmt.Errorf("Failed to list files in %s: %w", folder, err)
		}
		files = append(files, page.Items...)
		if page.NextPageToken == "" {
			log.Debug().Str("folder", folder).Int("files", len(files)).Msg("Listed gds folder")
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// Download reads the file through its presigned url.
func (i *ICAService) Download(ctx context.Context, file ICAFile) ([]byte, error) {
	if file.PresignedURL == "" {
		return nil, fmt.Errorf("Failed to download %s: no presigned url", file.URI())
	}
	var data []byte
	err := i.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.PresignedURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to download %s: %w", file.URI(), err)
	}
	return data, nil
}

func (i *ICAService) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	return i.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+endpoint+"?"+query.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+i.accessToken)
		req.Header.Set("Accept", "application/json")
		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("Failed to decode %s: %w", endpoint, err))
		}
		return nil
	})
}

func (i *ICAService) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.retryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, icaMaxRetries), ctx))
}

var errServerStatus = errors.New("server error")

// statusError makes 4xx permanent and leaves 5xx retryable.
func statusError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("%s returned %d: %s", resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", errServerStatus, err)
	}
	return backoff.Permanent(err)
}
