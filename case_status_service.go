package cttso_pieriandx_gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
)

// CaseReader is the read side of the vendor API.
type CaseReader interface {
	GetCase(ctx context.Context, caseID string) (VendorCase, error)
	FindCases(ctx context.Context, accessionNumber string) ([]VendorCase, error)
	ListReports(ctx context.Context, caseID string) ([]VendorReport, error)
	DownloadReport(ctx context.Context, caseID, reportID, format string) ([]byte, error)
}

type CaseStatus struct {
	CaseID          string
	AccessionNumber string
	JobID           string
	JobStatus       string
	ReportID        string
	ReportStatus    string
	Deleted         bool
}

// CaseStatusService answers status and report requests for known cases.
type CaseStatusService struct {
	vendor CaseReader
}

func NewCaseStatusService(vendor CaseReader) *CaseStatusService {
	return &CaseStatusService{vendor: vendor}
}

// Lookup resolves accession numbers to cases and reads each case's latest
// job and report.
func (c *CaseStatusService) Lookup(ctx context.Context, caseIDs, accessionNumbers []string) ([]CaseStatus, error) {
	ids := append([]string(nil), caseIDs...)
	for _, acc := range accessionNumbers {
		cases, err := c.vendor.FindCases(ctx, acc)
		if err != nil {
			return nil, err
		}
		if len(cases) == 0 {
			return nil, fmt.Errorf("Failed to find a vendor case for %s", acc)
		}
		for _, vc := range cases {
			ids = append(ids, vc.ID)
		}
	}

	statuses := make([]CaseStatus, 0, len(ids))
	for _, id := range ids {
		vc, err := c.vendor.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}
		st := CaseStatus{CaseID: id, AccessionNumber: vc.AccessionNumber, Deleted: vc.Deleted}
		if job, ok := vc.LatestJob(); ok {
			st.JobID, st.JobStatus = job.ID, job.Status
		}
		if report, ok := vc.LatestReport(); ok {
			st.ReportID, st.ReportStatus = report.ID, report.Status
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func RenderCaseStatuses(w io.Writer, statuses []CaseStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "case_id\taccession_number\tjob_id\tjob_status\treport_id\treport_status")
	for _, s := range statuses {
		if s.Deleted {
			fmt.Fprintf(tw, "%s\t-\t-\tdeleted\t-\t-\n", s.CaseID)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.CaseID, s.AccessionNumber, s.JobID, s.JobStatus, s.ReportID, s.ReportStatus)
	}
	return tw.Flush()
}

// ReportWriter stores a downloaded vendor report under name.
type ReportWriter interface {
	WriteReport(ctx context.Context, name string, data []byte) error
}

// DownloadReports fetches the latest report of each case and writes it as
// <accession_number>_<report_id>.<format>. Cases without a report are skipped.
func (c *CaseStatusService) DownloadReports(ctx context.Context, statuses []CaseStatus, format string, w ReportWriter) ([]string, error) {
	format = strings.ToLower(format)
	var written []string
	for _, s := range statuses {
		if s.Deleted || s.ReportID == "" {
			log.Info().Str("case_id", s.CaseID).Msg("No report to download")
			continue
		}
		data, err := c.vendor.DownloadReport(ctx, s.CaseID, s.ReportID, format)
		if err != nil {
			return written, err
		}
		name := fmt.Sprintf("%s_%s.%s", s.AccessionNumber, s.ReportID, format)
		if err := w.WriteReport(ctx, name, data); err != nil {
			return written, fmt.Errorf("Failed to write report %s: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// DirReportWriter writes reports into a local directory.
type DirReportWriter struct {
	Dir string
}

func (d DirReportWriter) WriteReport(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.Dir, name), data, 0o644)
}

// S3ReportWriter writes reports into the vendor bucket under prefix.
type S3ReportWriter struct {
	Store  ObjectStore
	Bucket string
	Prefix string
}

func (s S3ReportWriter) WriteReport(ctx context.Context, name string, data []byte) error {
	contentType := "application/json"
	if strings.HasSuffix(name, ".pdf") {
		contentType = "application/pdf"
	}
	return s.Store.PutObject(ctx, s.Bucket, path.Join(s.Prefix, name), data, contentType)
}
