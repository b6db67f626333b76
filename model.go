package cttso_pieriandx_gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SampleKey is the natural key shared by every source.
type SampleKey struct {
	SubjectID string `json:"subject_id"`
	LibraryID string `json:"library_id"`
}

func (k SampleKey) String() string {
	return fmt.Sprintf("%s_%s", k.SubjectID, k.LibraryID)
}

// AccessionNumber is the vendor-facing case identifier for the key.
func (k SampleKey) AccessionNumber() string {
	return k.String()
}

type RunStatus string

const (
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunRunning   RunStatus = "Running"
	RunAborted   RunStatus = "Aborted"
)

// WorkflowRun is one secondary-analysis execution on the genomics platform.
type WorkflowRun struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      RunStatus `json:"status"`
	TimeCreated time.Time `json:"timeCreated"`
	TimeEnded   time.Time `json:"timeStopped"`
	Input       string    `json:"-"`
	OutputDir   string    `json:"-"`
	WorkDir     string    `json:"-"`
}

// RunMetadata is derived per pass and never persisted.
type RunMetadata struct {
	SequencerRunName string
	PortalRunID      string
	RunFolderPath    string
	FlowcellID       string
	LaneCount        int
	IsFailedRun      bool
}

type SampleType string

const (
	SampleTypePatientCare        SampleType = "patientcare"
	SampleTypeClinicalTrial      SampleType = "clinical_trial"
	SampleTypeValidation         SampleType = "validation"
	SampleTypeProficiencyTesting SampleType = "proficiency_testing"
)

var sampleTypes = []SampleType{SampleTypePatientCare, SampleTypeClinicalTrial, SampleTypeValidation, SampleTypeProficiencyTesting}

type PanelType string

const (
	PanelMain     PanelType = "MAIN"
	PanelSubpanel PanelType = "SUBPANEL"
)

// PanelName is the vendor-side panel identifier.
func (p PanelType) PanelName() string {
	if p == PanelSubpanel {
		return "tso500_ctDNA_vcf_subpanel_workflow_university_of_melbourne"
	}
	return "tso500_ctDNA_vcf_workflow_university_of_melbourne"
}

var (
	genders     = []string{"unknown", "male", "female", "unspecified", "other", "ambiguous", "not_applicable"}
	ethnicities = []string{"hispanic_or_latino", "not_hispanic_or_latino", "not_reported", "unknown"}
	races       = []string{"american_indian_or_alaska_native", "asian", "black_or_african_american",
		"native_hawaiian_or_other_pacific_islander", "not_reported", "unknown", "white"}
)

// SnomedTerm is a code/label pair from the reference tables.
type SnomedTerm struct {
	Code  string `json:"code" yaml:"code"`
	Label string `json:"label" yaml:"label"`
}

// Patient carries the fields only present on identified samples.
type Patient struct {
	FirstName           string    `json:"firstName"`
	LastName            string    `json:"lastName"`
	DateOfBirth         time.Time `json:"dateOfBirth"`
	MRN                 string    `json:"mrn"`
	HospitalNumber      string    `json:"hospitalNumber,omitempty"`
	RequestingPhysician string    `json:"requestingPhysician,omitempty"`
}

// AccessionRecord is the normalized sample metadata sent to the vendor.
type AccessionRecord struct {
	SampleType         SampleType `json:"sample_type"`
	PanelType          PanelType  `json:"panel_type"`
	Disease            SnomedTerm `json:"disease"`
	Indication         string     `json:"indication"`
	IsIdentified       bool       `json:"is_identified"`
	AccessionNumber    string     `json:"accession_number"`
	Key                SampleKey  `json:"sample_key"`
	StudyID            string     `json:"study_id"`
	ParticipantID      string     `json:"participant_id"`
	ExternalSpecimenID string     `json:"external_specimen_id"`
	SpecimenLabel      string     `json:"specimen_label"`
	SpecimenType       SnomedTerm `json:"specimen_type"`
	DateAccessioned    time.Time  `json:"date_accessioned"`
	DateCollected      time.Time  `json:"date_collected"`
	DateReceived       time.Time  `json:"date_received"`
	Gender             string     `json:"gender"`
	Ethnicity          string     `json:"ethnicity"`
	Race               string     `json:"race"`
	Patient            *Patient   `json:"patient,omitempty"`
}

// Lifecycle is the reconciled state of one sample.
type Lifecycle string

const (
	LifecycleUnseen           Lifecycle = "unseen"
	LifecyclePending          Lifecycle = "pending"
	LifecycleSubmitted        Lifecycle = "submitted"
	LifecycleInProgress       Lifecycle = "in_progress"
	LifecycleCompleted        Lifecycle = "completed"
	LifecycleDeleted          Lifecycle = "deleted"
	LifecycleDuplicateFlagged Lifecycle = "duplicate_flagged"
)

// SubmissionState is the ledger row for one SampleKey.
type SubmissionState struct {
	Key                SampleKey  `json:"key"`
	Lifecycle          Lifecycle  `json:"lifecycle"`
	InLIMS             bool       `json:"in_lims"`
	InPortal           bool       `json:"in_portal"`
	InTrial            bool       `json:"in_trial"`
	InVendorSystem     bool       `json:"in_vendor_system"`
	PortalRunID        string     `json:"portal_run_id,omitempty"`
	PortalRunStatus    RunStatus  `json:"portal_run_status,omitempty"`
	PortalRunEnd       *time.Time `json:"portal_run_end,omitempty"`
	SequenceRunName    string     `json:"sequence_run_name,omitempty"`
	VendorCaseID       string     `json:"vendor_case_id,omitempty"`
	VendorJobID        string     `json:"vendor_job_id,omitempty"`
	VendorJobStatus    string     `json:"vendor_job_status,omitempty"`
	VendorReportStatus string     `json:"vendor_report_status,omitempty"`
	DuplicateCaseIDs   []string   `json:"duplicate_case_ids,omitempty"`
	NeedsReview        bool       `json:"needs_review,omitempty"`
	SubmissionTime     *time.Time `json:"submission_time,omitempty"`
	IsDeleted          bool       `json:"is_deleted"`
	LastError          string     `json:"last_error,omitempty"`
	// FailedInputs fingerprints the source data a failed submission was
	// built from. The sample stays out of the queue until that data changes.
	FailedInputs       string     `json:"failed_inputs,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasCase reports whether the idempotence guard applies.
func (s SubmissionState) HasCase() bool {
	return s.VendorCaseID != ""
}

// VendorCase, VendorRun, VendorJob and VendorReport are owned by the vendor.
type VendorCase struct {
	ID              string
	AccessionNumber string
	DateCreated     time.Time
	Identified      bool
	PanelName       string
	SampleType      string
	Deleted         bool
	Jobs            []VendorJob
	Reports         []VendorReport
}

// LatestJob returns the job with the highest numeric id.
func (c VendorCase) LatestJob() (VendorJob, bool) {
	var latest VendorJob
	found := false
	for _, j := range c.Jobs {
		if !found || compareNumericIDs(j.ID, latest.ID) > 0 {
			latest, found = j, true
		}
	}
	return latest, found
}

// LatestReport returns the report with the highest numeric id.
func (c VendorCase) LatestReport() (VendorReport, bool) {
	var latest VendorReport
	found := false
	for _, r := range c.Reports {
		if !found || compareNumericIDs(r.ID, latest.ID) > 0 {
			latest, found = r, true
		}
	}
	return latest, found
}

type VendorRun struct {
	ID              string
	RunName         string
	CaseID          string
	AccessionNumber string
	Lane            string
	Barcode         string
	SampleID        string
	SampleType      string
}

type VendorJob struct {
	ID     string
	CaseID string
	Status string
}

type VendorReport struct {
	ID     string
	CaseID string
	Status string
}

// terminalVendorStatuses are job/report statuses that no longer change.
var terminalVendorStatuses = map[string]bool{"complete": true, "failed": true, "canceled": true}

func isTerminalVendorStatus(status string) bool {
	return terminalVendorStatuses[status]
}

// compareNumericIDs orders vendor ids numerically, falling back to string order.
func compareNumericIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
