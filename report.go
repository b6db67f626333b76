package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/config"
	"github.com/databricks/databricks-sdk-go/service/files"
	"github.com/google/uuid"
)

// SampleOutcome is the result of one sample within a pass.
type SampleOutcome struct {
	Key             SampleKey `json:"key"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	CaseID          string    `json:"case_id,omitempty"`
	JobID           string    `json:"job_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
}

// BatchReport is the end-of-run summary of a pass or bulk submission.
type BatchReport struct {
	PassID          string          `json:"pass_id"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	DryRun          bool            `json:"dry_run"`
	DegradedSources []string        `json:"degraded_sources,omitempty"`
	Decisions       []Decision      `json:"decisions,omitempty"`
	Successes       []SampleOutcome `json:"successes"`
	Failures        []SampleOutcome `json:"failures"`
	Halt            *SampleOutcome  `json:"halt,omitempty"`
}

func NewBatchReport(startedAt time.Time, dryRun bool) *BatchReport {
	return &BatchReport{PassID: uuid.NewString(), StartedAt: startedAt.UTC(), DryRun: dryRun}
}

func (r *BatchReport) addSuccess(o SampleOutcome) {
	r.Successes = append(r.Successes, o)
}

func (r *BatchReport) addFailure(key SampleKey, accessionNumber string, err error) {
	r.Failures = append(r.Failures, SampleOutcome{Key: key, AccessionNumber: accessionNumber, Error: err.Error(), ErrorKind: errorKind(err)})
}

func (r *BatchReport) halt(key SampleKey, err error) {
	r.Halt = &SampleOutcome{Key: key, Error: err.Error(), ErrorKind: errorKind(err)}
}

// Halted reports whether a batch-fatal error stopped the pass.
func (r *BatchReport) Halted() bool { return r.Halt != nil }

// ExitCode is 0 only when nothing failed and nothing halted.
func (r *BatchReport) ExitCode() int {
	if r.Halted() || len(r.Failures) > 0 {
		return 1
	}
	return 0
}

// Render writes the human summary printed at the end of a run.
func (r *BatchReport) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(tw, "pass %s%s: %d submitted, %d failed\n", r.PassID, mode, len(r.Successes), len(r.Failures))
	if len(r.DegradedSources) > 0 {
		fmt.Fprintf(tw, "  without %s\n", strings.Join(r.DegradedSources, ", "))
	}
	for _, d := range r.Decisions {
		if d.Action == ActionSkip {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", d.Action, d.Key, d.Lifecycle, d.Reason)
	}
	for _, s := range r.Successes {
		fmt.Fprintf(tw, "  ok\t%s\tcase %s\tjob %s\n", s.Key, s.CaseID, s.JobID)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "  FAILED\t%s\t%s\t%s\n", f.Key, f.ErrorKind, f.Error)
	}
	if r.Halt != nil {
		fmt.Fprintf(tw, "HALTED at %s: %s\n", r.Halt.Key, r.Halt.Error)
	}
	return tw.Flush()
}

func errorKind(err error) string {
	var (
		validation  *ValidationError
		resolution  *ResolutionError
		transfer    *TransferError
		client      *VendorClientError
		server      *VendorServerError
		consistency *ConsistencyViolation
	)
	switch {
	case errors.As(err, &consistency):
		return "ConsistencyViolation"
	case errors.As(err, &validation):
		return "ValidationError"
	case errors.As(err, &resolution):
		return "ResolutionError"
	case errors.As(err, &transfer):
		return "TransferError"
	case errors.As(err, &client):
		return "VendorClientError"
	case errors.As(err, &server):
		return "VendorServerError"
	}
	return "Error"
}

// ReportSink publishes a finished BatchReport somewhere durable.
type ReportSink interface {
	Publish(ctx context.Context, report *BatchReport) error
}

// DatabricksReportSink uploads pass reports as JSON into a workspace volume.
type DatabricksReportSink struct {
	wClient  *databricks.WorkspaceClient
	basePath string
}

func NewDatabricksReportSink(cfg DatabricksConfig) (*DatabricksReportSink, error) {
	w, err := databricks.NewWorkspaceClient(&databricks.Config{
		Host:        fmt.Sprintf("https://%s", cfg.Hostname),
		Token:       cfg.Token,
		Credentials: config.PatCredentials{},
	})
	if err != nil {
		return nil, fmt.Errorf("Cannot create a databricks workspace client: %v", err)
	}
	return &DatabricksReportSink{wClient: w, basePath: strings.TrimRight(cfg.ReportPath, "/")}, nil
}

func (d *DatabricksReportSink) Publish(ctx context.Context, report *BatchReport) error {
	rJson, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("Failed to marshal report: '%s': %q", report.PassID, err)
	}
	uploadReq := files.UploadRequest{
		FilePath:  fmt.Sprintf("%s/%s_%s.json", d.basePath, report.StartedAt.Format("20060102T150405Z"), report.PassID),
		Contents:  io.NopCloser(strings.NewReader(string(rJson))),
		Overwrite: true,
	}
	if err := d.wClient.Files.Upload(ctx, uploadReq); err != nil {
		return fmt.Errorf("Failed to upload report: '%s': %w", report.PassID, err)
	}
	return nil
}

// S3ReportSink keeps pass reports next to the transferred data.
type S3ReportSink struct {
	store  ObjectStore
	bucket string
	prefix string
}

func NewS3ReportSink(store ObjectStore, bucket, prefix string) *S3ReportSink {
	return &S3ReportSink{store: store, bucket: bucket, prefix: strings.TrimRight(prefix, "/")}
}

func (s *S3ReportSink) Publish(ctx context.Context, report *BatchReport) error {
	key := fmt.Sprintf("%s/passes/%s.json", s.prefix, report.PassID)
	if err := put(ctx, s.store, s.bucket, key, report); err != nil {
		return fmt.Errorf("Failed to store report %s: %w", report.PassID, err)
	}
	return nil
}
