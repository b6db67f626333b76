package cttso_pieriandx_gateway

import (
	"context"
	"regexp"
	"time"
)

// caseAccessionRegex splits a vendor accession number; a trailing _NNN is a
// case disambiguator, not part of the library id.
var caseAccessionRegex = regexp.MustCompile(`^([A-Za-z0-9]+)_(L\d+(?:_[A-Za-z]\w*)?)(?:_\d+)?$`)

// KeyFromAccession recovers the SampleKey an accession number was built from.
func KeyFromAccession(accessionNumber string) (SampleKey, bool) {
	m := caseAccessionRegex.FindStringSubmatch(accessionNumber)
	if m == nil {
		return SampleKey{}, false
	}
	return SampleKey{SubjectID: m[1], LibraryID: m[2]}, true
}

// LabRecord is one ctTSO row of the lab tracking sheet.
type LabRecord struct {
	Key             SampleKey
	SequenceRunName string
	IsValidation    bool
	IsResearch      bool
	IsDeleted       bool
}

// PortalRun is a tumor-only ctDNA workflow run as the portal reports it.
type PortalRun struct {
	Key             SampleKey
	PortalRunID     string
	WorkflowRunID   string
	WorkflowRunName string
	Status          RunStatus
	End             time.Time
	SequenceRunName string
	IsFailedRun     bool
	RunInfoBlob     string
}

// TrialRecord is the clinical-trial database entry for a sample.
type TrialRecord struct {
	Key        SampleKey
	SampleType string
	IsComplete bool
	IsDeleted  bool
	Fields     map[string]string
}

// SourceSnapshot is everything read from the four sources for one pass.
type SourceSnapshot struct {
	Lab    []LabRecord
	Portal []PortalRun
	Trial  []TrialRecord
	Vendor []VendorCase
}

type LabSource interface {
	ListLabRecords(ctx context.Context) ([]LabRecord, error)
}

type PortalSource interface {
	ListPortalRuns(ctx context.Context) ([]PortalRun, error)
}

type TrialSource interface {
	ListTrialRecords(ctx context.Context) ([]TrialRecord, error)
}

type VendorCaseSource interface {
	ListCases(ctx context.Context) ([]VendorCase, error)
	GetCase(ctx context.Context, caseID string) (VendorCase, error)
}
