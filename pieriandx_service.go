package cttso_pieriandx_gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	dagName        = "cromwell_tso500_ctdna_workflow_1.0.1"
	dagDescription = "tso500_ctdna_workflow"
	vendorTimeFmt  = "2006-01-02T15:04:05Z"
	maxVendorBody  = 64 << 20
)

// PierianDxService is the gateway to the vendor's case API.
type PierianDxService struct {
	baseURL       string
	email         string
	institution   string
	tokens        TokenSource
	httpClient    *http.Client
	maxRetries    uint64
	retryInterval time.Duration
}

type PierianDxOption func(*PierianDxService)

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) PierianDxOption {
	return func(p *PierianDxService) { p.retryInterval = d }
}

func NewPierianDxService(cfg PierianDxConfig, tokens TokenSource, httpClient *http.Client, opts ...PierianDxOption) *PierianDxService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	p := &PierianDxService{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		email:         cfg.Email,
		institution:   cfg.Institution,
		tokens:        tokens,
		httpClient:    httpClient,
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type vendorCode struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

type vendorFacility struct {
	Facility       string `json:"facility"`
	HospitalNumber string `json:"hospitalNumber"`
}

type vendorMRN struct {
	MRN             string         `json:"mrn"`
	MedicalFacility vendorFacility `json:"medicalFacility"`
}

type vendorSpecimen struct {
	Name                   string      `json:"name"`
	AccessionNumber        string      `json:"accessionNumber"`
	DateAccessioned        string      `json:"dateAccessioned"`
	DateReceived           string      `json:"dateReceived"`
	DateCollected          string      `json:"datecollected"`
	Ethnicity              string      `json:"ethnicity"`
	ExternalSpecimenID     string      `json:"externalSpecimenId"`
	Gender                 string      `json:"gender"`
	Race                   string      `json:"race"`
	StudyIdentifier        string      `json:"studyIdentifier"`
	StudySubjectIdentifier string      `json:"studySubjectIdentifier"`
	Type                   vendorCode  `json:"type"`
	FirstName              string      `json:"firstName,omitempty"`
	LastName               string      `json:"lastName,omitempty"`
	DateOfBirth            string      `json:"dateOfBirth,omitempty"`
	MedicalRecordNumbers   []vendorMRN `json:"medicalRecordNumbers,omitempty"`
}

type vendorPhysician struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type casePayload struct {
	DagName        string            `json:"dagName"`
	DagDescription string            `json:"dagDescription"`
	Disease        vendorCode        `json:"disease"`
	Identified     bool              `json:"identified"`
	Indication     string            `json:"indication"`
	PanelName      string            `json:"panelName"`
	SampleType     string            `json:"sampleType"`
	Specimens      []vendorSpecimen  `json:"specimens"`
	Physicians     []vendorPhysician `json:"physicians,omitempty"`
}

type runSpecimen struct {
	AccessionNumber string `json:"accessionNumber"`
	Lane            string `json:"lane"`
	Barcode         string `json:"barcode"`
	SampleID        string `json:"sampleId"`
	SampleType      string `json:"sampleType"`
}

type runPayload struct {
	RunID     string        `json:"runId"`
	Type      string        `json:"type"`
	Specimens []runSpecimen `json:"specimens"`
}

type runInfo struct {
	RunID      string `json:"runId"`
	Lane       string `json:"lane"`
	Barcode    string `json:"barcode"`
	SampleID   string `json:"sampleId"`
	SampleType string `json:"sampleType"`
}

type jobInput struct {
	AccessionNumber  string    `json:"accessionNumber"`
	SequencerRunInfo []runInfo `json:"sequencerRunInfos"`
}

type jobPayload struct {
	Input []jobInput `json:"input"`
}

func newCasePayload(rec AccessionRecord) casePayload {
	specimen := vendorSpecimen{
		Name:                   rec.SpecimenLabel,
		AccessionNumber:        rec.AccessionNumber,
		DateAccessioned:        rec.DateAccessioned.UTC().Format(vendorTimeFmt),
		DateReceived:           rec.DateReceived.UTC().Format(vendorTimeFmt),
		DateCollected:          rec.DateCollected.UTC().Format(vendorTimeFmt),
		Ethnicity:              rec.Ethnicity,
		ExternalSpecimenID:     rec.ExternalSpecimenID,
		Gender:                 rec.Gender,
		Race:                   rec.Race,
		StudyIdentifier:        rec.StudyID,
		StudySubjectIdentifier: rec.ParticipantID,
		Type:                   vendorCode(rec.SpecimenType),
	}
	payload := casePayload{
		DagName:        dagName,
		DagDescription: dagDescription,
		Disease:        vendorCode(rec.Disease),
		Identified:     rec.IsIdentified,
		Indication:     rec.Indication,
		PanelName:      rec.PanelType.PanelName(),
		SampleType:     string(rec.SampleType),
	}
	if rec.IsIdentified && rec.Patient != nil {
		specimen.FirstName = rec.Patient.FirstName
		specimen.LastName = rec.Patient.LastName
		specimen.DateOfBirth = rec.Patient.DateOfBirth.Format("2006-01-02")
		specimen.MedicalRecordNumbers = []vendorMRN{{
			MRN:             rec.Patient.MRN,
			MedicalFacility: vendorFacility{Facility: "Hospital", HospitalNumber: rec.Patient.HospitalNumber},
		}}
		if first, last, ok := strings.Cut(rec.Patient.RequestingPhysician, " "); ok {
			payload.Physicians = []vendorPhysician{{FirstName: first, LastName: last}}
		}
	}
	payload.Specimens = []vendorSpecimen{specimen}
	return payload
}

// CreateCase registers the accession with the vendor.
func (p *PierianDxService) CreateCase(ctx context.Context, rec AccessionRecord) (VendorCase, error) {
	body, err := p.do(ctx, http.MethodPost, "case", "/case", nil, newCasePayload(rec))
	if err != nil {
		return VendorCase{}, err
	}
	id, err := readID(body, "id")
	if err != nil {
		return VendorCase{}, fmt.Errorf("Failed to read case id for %s: %w", rec.AccessionNumber, err)
	}
	return VendorCase{ID: id, AccessionNumber: rec.AccessionNumber, Identified: rec.IsIdentified,
		PanelName: rec.PanelType.PanelName(), SampleType: string(rec.SampleType)}, nil
}

// CreateRun registers the sequencer run carrying the case's specimen.
func (p *PierianDxService) CreateRun(ctx context.Context, vc VendorCase, meta RunMetadata, sample SampleEntry) (VendorRun, error) {
	run := VendorRun{
		RunName:         meta.SequencerRunName,
		CaseID:          vc.ID,
		AccessionNumber: vc.AccessionNumber,
		Lane:            sample.Lane,
		Barcode:         sample.Barcode,
		SampleID:        sample.SampleID,
		SampleType:      sample.SampleType,
	}
	if run.RunName == "" {
		run.RunName = vc.AccessionNumber
	}
	payload := runPayload{RunID: run.RunName, Type: "pairedEnd", Specimens: []runSpecimen{{
		AccessionNumber: run.AccessionNumber,
		Lane:            run.Lane,
		Barcode:         run.Barcode,
		SampleID:        run.SampleID,
		SampleType:      run.SampleType,
	}}}
	body, err := p.do(ctx, http.MethodPost, "sequencerRun", "/sequencerRun", nil, payload)
	if err != nil {
		return run, err
	}
	if run.ID, err = readID(body, "id"); err != nil {
		return run, fmt.Errorf("Failed to read sequencer run id for %s: %w", vc.AccessionNumber, err)
	}
	return run, nil
}

// CreateJob starts the informatics job for the run's case.
func (p *PierianDxService) CreateJob(ctx context.Context, run VendorRun) (VendorJob, error) {
	payload := jobPayload{Input: []jobInput{{
		AccessionNumber: run.AccessionNumber,
		SequencerRunInfo: []runInfo{{
			RunID:      run.RunName,
			Lane:       run.Lane,
			Barcode:    run.Barcode,
			SampleID:   run.SampleID,
			SampleType: run.SampleType,
		}},
	}}}
	body, err := p.do(ctx, http.MethodPost, "informaticsJobs", fmt.Sprintf("/case/%s/informaticsJobs", url.PathEscape(run.CaseID)), nil, payload)
	if err != nil {
		return VendorJob{}, err
	}
	id, err := readID(body, "jobId")
	if err != nil {
		return VendorJob{}, fmt.Errorf("Failed to read job id for case %s: %w", run.CaseID, err)
	}
	return VendorJob{ID: id, CaseID: run.CaseID}, nil
}

func (p *PierianDxService) GetJobStatus(ctx context.Context, caseID, jobID string) (string, error) {
	body, err := p.do(ctx, http.MethodGet, "informaticsJob",
		fmt.Sprintf("/case/%s/informaticsJobs/%s", url.PathEscape(caseID), url.PathEscape(jobID)), nil, nil)
	if err != nil {
		return "", err
	}
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return "", fmt.Errorf("Failed to parse job %s: %w", jobID, err)
	}
	status, _ := parsed.Path("status").Data().(string)
	return status, nil
}

// GetCase fetches one case. A 400 means the case was deleted on the vendor side.
func (p *PierianDxService) GetCase(ctx context.Context, caseID string) (VendorCase, error) {
	body, err := p.do(ctx, http.MethodGet, "case", "/case/"+url.PathEscape(caseID), nil, nil)
	var clientErr *VendorClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusBadRequest {
		return VendorCase{ID: caseID, Deleted: true}, nil
	}
	if err != nil {
		return VendorCase{}, err
	}
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return VendorCase{}, fmt.Errorf("Failed to parse case %s: %w", caseID, err)
	}
	return parseVendorCase(parsed, caseID), nil
}

// ListCases returns the case summaries visible to the institution.
func (p *PierianDxService) ListCases(ctx context.Context) ([]VendorCase, error) {
	body, err := p.do(ctx, http.MethodGet, "cases", "/case", nil, nil)
	if err != nil {
		return nil, err
	}
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse case list: %w", err)
	}
	children, err := parsed.Children()
	if err != nil {
		return nil, fmt.Errorf("Failed to parse case list: %w", err)
	}
	cases := make([]VendorCase, 0, len(children))
	for _, child := range children {
		cases = append(cases, VendorCase{
			ID:              gabsString(child, "id"),
			AccessionNumber: gabsString(child, "accessionNumber"),
			DateCreated:     parseVendorTime(child.Path("dateCreated").Data()),
		})
	}
	return cases, nil
}

// FindCases returns the vendor cases already holding accessionNumber.
func (p *PierianDxService) FindCases(ctx context.Context, accessionNumber string) ([]VendorCase, error) {
	cases, err := p.ListCases(ctx)
	if err != nil {
		return nil, err
	}
	var found []VendorCase
	for _, c := range cases {
		if c.AccessionNumber == accessionNumber {
			found = append(found, c)
		}
	}
	return found, nil
}

func (p *PierianDxService) ListReports(ctx context.Context, caseID string) ([]VendorReport, error) {
	body, err := p.do(ctx, http.MethodGet, "reports", fmt.Sprintf("/case/%s/reports", url.PathEscape(caseID)), nil, nil)
	if err != nil {
		return nil, err
	}
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse reports of case %s: %w", caseID, err)
	}
	children, err := parsed.Children()
	if err != nil {
		return nil, nil
	}
	reports := make([]VendorReport, 0, len(children))
	for _, child := range children {
		reports = append(reports, VendorReport{ID: gabsString(child, "id"), CaseID: caseID, Status: gabsString(child, "status")})
	}
	return reports, nil
}

// DownloadReport returns the raw report in format pdf or json.
func (p *PierianDxService) DownloadReport(ctx context.Context, caseID, reportID, format string) ([]byte, error) {
	if format != "pdf" && format != "json" {
		return nil, fmt.Errorf("Unsupported report format %q", format)
	}
	return p.do(ctx, http.MethodGet, "report",
		fmt.Sprintf("/case/%s/reports/%s", url.PathEscape(caseID), url.PathEscape(reportID)),
		url.Values{"format": {format}}, nil)
}

// errAuthRetry asks the retry loop for one more attempt with a fresh token.
var errAuthRetry = errors.New("vendor token refreshed")

// do sends one request. 4xx answers are returned at once as VendorClientError,
// except the first 401, which refreshes the token and tries again. 5xx and
// network errors are retried with exponential backoff up to maxRetries.
func (p *PierianDxService) do(ctx context.Context, method, endpoint, path string, query url.Values, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		if reqBody, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("Failed to marshal %s payload: %w", endpoint, err)
		}
	}
	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var (
		result    []byte
		attempts  int
		failures  uint64
		refreshed bool
	)
	serverFailure := func(e *VendorServerError) error {
		failures++
		if failures > p.maxRetries {
			return backoff.Permanent(e)
		}
		return e
	}
	operation := func() error {
		attempts++
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("Failed to get vendor token: %w", err))
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("Failed to build %s request: %w", endpoint, err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Auth-Email", p.email)
		req.Header.Set("X-Auth-Institution", p.institution)
		req.Header.Set("X-Auth-Token", token)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			vendorRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			return serverFailure(&VendorServerError{Endpoint: endpoint, Err: err})
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxVendorBody))
		if err != nil {
			return serverFailure(&VendorServerError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err})
		}
		vendorRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result = body
			return nil
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			refreshed = true
			log.Debug().Str("endpoint", endpoint).Msg("Vendor rejected token, refreshing once")
			if _, err := p.tokens.Refresh(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("Failed to refresh vendor token: %w", err))
			}
			return errAuthRetry
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(&VendorClientError{StatusCode: resp.StatusCode, Endpoint: endpoint, Payload: string(body)})
		}
		return serverFailure(&VendorServerError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))})
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryInterval
	policy.MaxElapsedTime = 0
	// one extra attempt is reserved for the token refresh
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, p.maxRetries+1), ctx))
	if err == nil {
		return result, nil
	}
	if errors.Is(err, errAuthRetry) {
		return nil, &VendorClientError{StatusCode: http.StatusUnauthorized, Endpoint: endpoint, Payload: "token refresh did not help"}
	}
	var serverErr *VendorServerError
	if errors.As(err, &serverErr) {
		serverErr.Attempts = attempts
		return nil, serverErr
	}
	return nil, err
}

func parseVendorCase(parsed *gabs.Container, caseID string) VendorCase {
	vc := VendorCase{
		ID:          caseID,
		DateCreated: parseVendorTime(parsed.Path("dateCreated").Data()),
		PanelName:   gabsString(parsed, "panelName"),
		SampleType:  gabsString(parsed, "sampleType"),
	}
	if id := gabsString(parsed, "id"); id != "" {
		vc.ID = id
	}
	if identified, ok := parsed.Path("identified").Data().(bool); ok {
		vc.Identified = identified
	}
	if specimens, err := parsed.S("specimens").Children(); err == nil && len(specimens) > 0 {
		vc.AccessionNumber = gabsString(specimens[0], "accessionNumber")
	}
	if jobs, err := parsed.S("informaticsJobs").Children(); err == nil {
		for _, j := range jobs {
			vc.Jobs = append(vc.Jobs, VendorJob{ID: gabsString(j, "id"), CaseID: vc.ID, Status: gabsString(j, "status")})
		}
	}
	if reports, err := parsed.S("reports").Children(); err == nil {
		for _, r := range reports {
			vc.Reports = append(vc.Reports, VendorReport{ID: gabsString(r, "id"), CaseID: vc.ID, Status: gabsString(r, "status")})
		}
	}
	return vc
}

func readID(body []byte, field string) (string, error) {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return "", err
	}
	id := gabsString(parsed, field)
	if id == "" {
		return "", fmt.Errorf("response has no %q", field)
	}
	return id, nil
}

// gabsString reads a scalar that the vendor sends as either number or string.
func gabsString(c *gabs.Container, path string) string {
	switch v := c.Path(path).Data().(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func parseVendorTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Time{}
}
