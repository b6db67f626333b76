package cttso_pieriandx_gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
)

const (
	portalWorkflowType = "tso_ctdna_tumor_only"
	portalRowsPerPage  = 100
	portalMaxPages     = 500
)

// sha256 of an empty body
var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// PortalService reads ctDNA workflow runs and sequence runs from the data
// portal. Requests are SigV4 signed for execute-api.
type PortalService struct {
	baseURL    string
	region     string
	creds      aws.CredentialsProvider
	signer     *v4.Signer
	httpClient *http.Client
}

func NewPortalService(ctx context.Context, baseURL, region string, httpClient *http.Client) (*PortalService, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("Failed to load SDK configuration: %w", err)
	}
	return NewPortalServiceWithCredentials(baseURL, region, awsCfg.Credentials, httpClient), nil
}

func NewPortalServiceWithCredentials(baseURL, region string, creds aws.CredentialsProvider, httpClient *http.Client) *PortalService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &PortalService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		region:     region,
		creds:      creds,
		signer:     v4.NewSigner(),
		httpClient: httpClient,
	}
}

type portalWorkflow struct {
	ID          json.Number     `json:"id"`
	WfrID       string          `json:"wfr_id"`
	WfrName     string          `json:"wfr_name"`
	PortalRunID string          `json:"portal_run_id"`
	End         *time.Time      `json:"end"`
	EndStatus   string          `json:"end_status"`
	SequenceRun json.Number     `json:"sequence_run"`
	Input       json.RawMessage `json:"input"`
}

type portalSequenceRun struct {
	ID     json.Number `json:"id"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
}

// ListPortalRuns joins every ctDNA workflow run with its sequence run.
func (p *PortalService) ListPortalRuns(ctx context.Context) ([]PortalRun, error) {
	var workflows []portalWorkflow
	err := p.getPages(ctx, "/iam/workflows", url.Values{"type_name": {portalWorkflowType}, "ordering": {"-start"}}, func(raw json.RawMessage) error {
		var page []portalWorkflow
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		workflows = append(workflows, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to list portal workflows: %w", err)
	}
	sequenceRuns := map[string]portalSequenceRun{}
	err = p.getPages(ctx, "/iam/sequencerun", url.Values{}, func(raw json.RawMessage) error {
		var page []portalSequenceRun
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		for _, sr := range page {
			sequenceRuns[sr.ID.String()] = sr
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to list portal sequence runs: %w", err)
	}

	runs := make([]PortalRun, 0, len(workflows))
	for _, w := range workflows {
		key, ok := keyFromWorkflowName(w.WfrName)
		if !ok {
			log.Debug().Str("wfr_name", w.WfrName).Msg("Skipping portal workflow without subject and library")
			continue
		}
		sr := sequenceRuns[w.SequenceRun.String()]
		run := PortalRun{
			Key:             key,
			PortalRunID:     w.PortalRunID,
			WorkflowRunID:   w.WfrID,
			WorkflowRunName: w.WfrName,
			Status:          normalizeRunStatus(w.EndStatus),
			SequenceRunName: sr.Name,
			IsFailedRun:     strings.EqualFold(sr.Status, "failed"),
			RunInfoBlob:     string(w.Input),
		}
		if w.End != nil {
			run.End = w.End.UTC()
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// keyFromWorkflowName reads subject and library from
// umccr__automated__tso_ctdna_tumor_only__<subject>__<library>__<portal run id>.
func keyFromWorkflowName(name string) (SampleKey, bool) {
	parts := strings.Split(name, "__")
	if len(parts) < 5 || parts[3] == "" || parts[4] == "" {
		return SampleKey{}, false
	}
	return SampleKey{SubjectID: parts[3], LibraryID: parts[4]}, true
}

func normalizeRunStatus(s string) RunStatus {
	for _, status := range []RunStatus{RunSucceeded, RunFailed, RunRunning, RunAborted} {
		if strings.EqualFold(s, string(status)) {
			return status
		}
	}
	return RunStatus(s)
}

// getPages follows the portal's links.next until it runs out.
func (p *PortalService) getPages(ctx context.Context, endpoint string, query url.Values, handle func(json.RawMessage) error) error {
	query.Set("rowsPerPage", fmt.Sprint(portalRowsPerPage))
	next := p.baseURL + endpoint + "?" + query.Encode()
	for page := 0; next != "" && page < portalMaxPages; page++ {
		var body struct {
			Links struct {
				Next string `json:"next"`
			} `json:"links"`
			Results json.RawMessage `json:"results"`
		}
		if err := p.getSigned(ctx, next, &body); err != nil {
			return err
		}
		if body.Results == nil {
			return fmt.Errorf("%s returned no results", endpoint)
		}
		if err := handle(body.Results); err != nil {
			return fmt.Errorf("Failed to decode %s: %w", endpoint, err)
		}
		next = body.Links.Next
	}
	return nil
}

func (p *PortalService) getSigned(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("Failed to retrieve AWS credentials: %w", err)
	}
	if err := p.signer.SignHTTP(ctx, creds, req, emptyPayloadHash, "execute-api", p.region, time.Now()); err != nil {
		return fmt.Errorf("Failed to sign portal request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
