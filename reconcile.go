package cttso_pieriandx_gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action is what a pass decided to do with one sample.
type Action string

const (
	ActionSubmit        Action = "submit"
	ActionSkip          Action = "skip"
	ActionDefer         Action = "defer"
	ActionRefresh       Action = "refresh"
	ActionFlagDuplicate Action = "flag-duplicate"
	ActionMarkDeleted   Action = "mark-deleted"
)

// duplicateCaseGrace is how old an empty newest case must be before an
// older complete case is preferred over it.
const duplicateCaseGrace = 7 * 24 * time.Hour

type ReconcileOptions struct {
	// MaxSubmissions caps submissions per pass; zero means no cap.
	MaxSubmissions int
}

// Candidate is a sample selected for submission.
type Candidate struct {
	Key          SampleKey
	Portal       PortalRun
	Lab          *LabRecord
	Trial        *TrialRecord
	IsValidation bool
	PanelType    PanelType
	// Fingerprint identifies the source data the candidate was built from.
	Fingerprint string
}

type Decision struct {
	Key       SampleKey
	Lifecycle Lifecycle
	Action    Action
	Reason    string
}

// Plan is the outcome of one reconciliation fold.
type Plan struct {
	States    []SubmissionState
	Changed   []SubmissionState
	ToSubmit  []Candidate
	Refresh   []SubmissionState
	Retire    []SubmissionState
	Decisions []Decision
}

type mergedRow struct {
	key    SampleKey
	lab    *LabRecord
	portal *PortalRun
	trial  *TrialRecord
	cases  []VendorCase
	ledger *SubmissionState
}

// Reconcile folds the source snapshot into the ledger. It is pure: the same
// inputs always give the same plan. Keys found in retired are never revived.
func Reconcile(snapshot SourceSnapshot, ledger, retired []SubmissionState, now time.Time, opts ReconcileOptions) Plan {
	now = now.UTC()
	rows := mergeSources(snapshot, ledger)
	retiredKeys := make(map[SampleKey]bool, len(retired))
	for _, r := range retired {
		retiredKeys[r.Key] = true
	}

	var plan Plan
	var eligible []Candidate
	for _, key := range sortedKeys(rows) {
		if retiredKeys[key] {
			continue
		}
		row := rows[key]
		state := classify(row, now)

		switch {
		case state.Lifecycle == LifecycleDeleted:
			plan.Retire = append(plan.Retire, state)
			plan.Decisions = append(plan.Decisions, Decision{key, state.Lifecycle, ActionMarkDeleted, "marked deleted upstream"})
		case state.Lifecycle == LifecycleDuplicateFlagged:
			plan.Decisions = append(plan.Decisions, Decision{key, state.Lifecycle, ActionFlagDuplicate,
				"duplicate vendor cases " + strings.Join(state.DuplicateCaseIDs, ",")})
		case state.HasCase():
			if state.Lifecycle != LifecycleCompleted {
				plan.Refresh = append(plan.Refresh, state)
				plan.Decisions = append(plan.Decisions, Decision{key, state.Lifecycle, ActionRefresh, "awaiting vendor job or report"})
			} else {
				plan.Decisions = append(plan.Decisions, Decision{key, state.Lifecycle, ActionSkip, "completed"})
			}
		default:
			if c, reason := eligibility(row, state); reason == "" {
				eligible = append(eligible, c)
			} else {
				plan.Decisions = append(plan.Decisions, Decision{key, state.Lifecycle, ActionSkip, reason})
			}
		}

		if state.Lifecycle != LifecycleDeleted {
			plan.States = append(plan.States, state)
		}
		if row.ledger == nil || !sameState(*row.ledger, state) {
			plan.Changed = append(plan.Changed, state)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].Portal, eligible[j].Portal
		if a.SequenceRunName != b.SequenceRunName {
			return a.SequenceRunName < b.SequenceRunName
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return eligible[i].Key.String() < eligible[j].Key.String()
	})
	for i, c := range eligible {
		if opts.MaxSubmissions > 0 && i >= opts.MaxSubmissions {
			plan.Decisions = append(plan.Decisions, Decision{c.Key, LifecyclePending, ActionDefer, "submission cap reached for this pass"})
			continue
		}
		plan.ToSubmit = append(plan.ToSubmit, c)
		plan.Decisions = append(plan.Decisions, Decision{c.Key, LifecyclePending, ActionSubmit, ""})
	}
	return plan
}

// CheckConsistency is the kill switch: nothing selected for submission may
// already be processing or hold a vendor case.
func CheckConsistency(toSubmit []Candidate, processing map[SampleKey]SubmissionState) error {
	for _, c := range toSubmit {
		if state, ok := processing[c.Key]; ok {
			return &ConsistencyViolation{Key: c.Key, CaseID: state.VendorCaseID}
		}
	}
	return nil
}

// InProgressStates collects every key that already holds a vendor case,
// read from raw ledger rows and the vendor's case listing. It does not go
// through the fold, so CheckConsistency can catch a fold that went wrong
// or a case recorded by another writer.
func InProgressStates(ledger []SubmissionState, cases []VendorCase) map[SampleKey]SubmissionState {
	processing := make(map[SampleKey]SubmissionState)
	for _, s := range ledger {
		if s.HasCase() {
			processing[s.Key] = s
		}
	}
	for _, c := range cases {
		if c.Deleted {
			continue
		}
		key, ok := KeyFromAccession(c.AccessionNumber)
		if !ok {
			continue
		}
		if _, seen := processing[key]; !seen {
			processing[key] = SubmissionState{Key: key, InVendorSystem: true, VendorCaseID: c.ID}
		}
	}
	return processing
}

func mergeSources(snapshot SourceSnapshot, ledger []SubmissionState) map[SampleKey]*mergedRow {
	rows := map[SampleKey]*mergedRow{}
	row := func(key SampleKey) *mergedRow {
		r, ok := rows[key]
		if !ok {
			r = &mergedRow{key: key}
			rows[key] = r
		}
		return r
	}

	for i := range ledger {
		s := ledger[i]
		row(s.Key).ledger = &s
	}
	for i := range snapshot.Lab {
		rec := snapshot.Lab[i]
		r := row(rec.Key)
		if r.lab == nil {
			r.lab = &rec
			continue
		}
		r.lab.IsDeleted = r.lab.IsDeleted || rec.IsDeleted
		r.lab.IsValidation = r.lab.IsValidation || rec.IsValidation
		r.lab.IsResearch = r.lab.IsResearch || rec.IsResearch
		if r.lab.SequenceRunName == "" {
			r.lab.SequenceRunName = rec.SequenceRunName
		}
	}
	for i := range snapshot.Portal {
		run := snapshot.Portal[i]
		r := row(run.Key)
		if r.portal == nil || preferPortalRun(run, *r.portal) {
			r.portal = &run
		}
	}
	for i := range snapshot.Trial {
		rec := snapshot.Trial[i]
		r := row(rec.Key)
		if r.trial != nil {
			rec.IsDeleted = rec.IsDeleted || r.trial.IsDeleted
		}
		r.trial = &rec
	}
	for _, c := range snapshot.Vendor {
		if c.Deleted {
			continue
		}
		key, ok := KeyFromAccession(c.AccessionNumber)
		if !ok {
			continue
		}
		row(key).cases = append(row(key).cases, c)
	}
	return rows
}

// preferPortalRun orders runs for one key: non-failed sequencing run, then
// Succeeded, then latest sequencing run name, then latest end time.
func preferPortalRun(a, b PortalRun) bool {
	if a.IsFailedRun != b.IsFailedRun {
		return !a.IsFailedRun
	}
	if (a.Status == RunSucceeded) != (b.Status == RunSucceeded) {
		return a.Status == RunSucceeded
	}
	if a.SequenceRunName != b.SequenceRunName {
		return a.SequenceRunName > b.SequenceRunName
	}
	return a.End.After(b.End)
}

func classify(row *mergedRow, now time.Time) SubmissionState {
	state := SubmissionState{Key: row.key, Lifecycle: LifecycleUnseen, UpdatedAt: now}
	if row.ledger != nil {
		prev := *row.ledger
		state.VendorCaseID = prev.VendorCaseID
		state.VendorJobID = prev.VendorJobID
		state.VendorJobStatus = prev.VendorJobStatus
		state.VendorReportStatus = prev.VendorReportStatus
		state.SubmissionTime = prev.SubmissionTime
		state.IsDeleted = prev.IsDeleted
		state.LastError = prev.LastError
		state.NeedsReview = prev.NeedsReview
		state.FailedInputs = prev.FailedInputs
		if prev.FailedInputs != "" && prev.FailedInputs != sourceFingerprint(row) {
			state.FailedInputs = ""
			state.LastError = ""
		}
	}

	if row.lab != nil {
		state.InLIMS = true
		state.SequenceRunName = row.lab.SequenceRunName
		state.IsDeleted = state.IsDeleted || row.lab.IsDeleted
	}
	if row.trial != nil {
		state.InTrial = true
		state.IsDeleted = state.IsDeleted || row.trial.IsDeleted
	}
	if row.portal != nil {
		state.InPortal = true
		state.PortalRunID = row.portal.PortalRunID
		state.PortalRunStatus = row.portal.Status
		if !row.portal.End.IsZero() {
			end := row.portal.End.UTC()
			state.PortalRunEnd = &end
		}
		if row.portal.SequenceRunName != "" {
			state.SequenceRunName = row.portal.SequenceRunName
		}
	}

	if len(row.cases) > 0 {
		primary, duplicates := splitDuplicateCases(row.cases, now)
		state.InVendorSystem = true
		applyVendorCase(&state, primary)
		for _, d := range duplicates {
			state.DuplicateCaseIDs = append(state.DuplicateCaseIDs, d.ID)
		}
		if row.portal != nil && !primary.DateCreated.IsZero() && utcDate(primary.DateCreated).Before(utcDate(row.portal.End)) {
			state.NeedsReview = true
		}
	}

	switch {
	case state.IsDeleted:
		state.Lifecycle = LifecycleDeleted
	case len(state.DuplicateCaseIDs) > 0:
		state.Lifecycle = LifecycleDuplicateFlagged
	case state.HasCase() && isTerminalVendorStatus(state.VendorJobStatus) && isTerminalVendorStatus(state.VendorReportStatus):
		state.Lifecycle = LifecycleCompleted
	case state.HasCase() && state.VendorJobID != "":
		state.Lifecycle = LifecycleInProgress
	case state.HasCase():
		state.Lifecycle = LifecycleSubmitted
	case state.InLIMS || state.InPortal || state.InTrial:
		state.Lifecycle = LifecyclePending
	}

	if row.ledger != nil && sameState(*row.ledger, state) {
		return *row.ledger
	}
	return state
}

// applyVendorCase lets the vendor's own record win over what the ledger holds.
func applyVendorCase(state *SubmissionState, c VendorCase) {
	state.VendorCaseID = c.ID
	if !c.DateCreated.IsZero() {
		created := c.DateCreated.UTC()
		state.SubmissionTime = &created
	}
	if job, ok := c.LatestJob(); ok {
		state.VendorJobID = job.ID
		state.VendorJobStatus = job.Status
	}
	if report, ok := c.LatestReport(); ok {
		state.VendorReportStatus = report.Status
	}
}

// splitDuplicateCases chooses the case to keep when a key has several.
// The newest case is kept when its job and report are complete. An empty
// newest case older than the grace period gives way to complete older ones.
func splitDuplicateCases(cases []VendorCase, now time.Time) (VendorCase, []VendorCase) {
	sorted := append([]VendorCase(nil), cases...)
	sort.Slice(sorted, func(i, j int) bool { return compareNumericIDs(sorted[i].ID, sorted[j].ID) < 0 })
	latest := sorted[len(sorted)-1]
	if len(sorted) == 1 {
		return latest, nil
	}
	older := sorted[:len(sorted)-1]

	job, hasJob := latest.LatestJob()
	report, hasReport := latest.LatestReport()
	if hasJob && hasReport && job.Status == "complete" && report.Status == "complete" {
		return latest, older
	}
	if !hasJob && !hasReport && now.Sub(latest.DateCreated.UTC()) > duplicateCaseGrace && allHaveStatuses(older) {
		return older[len(older)-1], append(append([]VendorCase(nil), older[:len(older)-1]...), latest)
	}
	return latest, older
}

func allHaveStatuses(cases []VendorCase) bool {
	for _, c := range cases {
		job, hasJob := c.LatestJob()
		report, hasReport := c.LatestReport()
		if !hasJob || !hasReport || job.Status == "" || report.Status == "" {
			return false
		}
	}
	return true
}

// eligibility returns an empty reason when the row can be submitted.
func eligibility(row *mergedRow, state SubmissionState) (Candidate, string) {
	c := Candidate{Key: row.key, Lab: row.lab, Trial: row.trial}
	switch {
	case row.portal == nil:
		return c, "no portal workflow run"
	case row.portal.Status != RunSucceeded:
		return c, "portal workflow run status is " + string(row.portal.Status)
	case row.portal.IsFailedRun:
		return c, "sequencing run failed"
	case row.portal.PortalRunID == "":
		return c, "portal run id missing"
	case state.HasCase():
		return c, "vendor case exists"
	case state.NeedsReview:
		return c, "needs manual review"
	case state.FailedInputs != "":
		return c, "previous submission failed: " + state.LastError
	}
	trialComplete := row.trial != nil && row.trial.IsComplete
	labFlagged := row.lab != nil && (row.lab.IsValidation || row.lab.IsResearch)
	if !trialComplete && !labFlagged {
		return c, "awaiting trial metadata or lab validation flag"
	}
	c.Portal = *row.portal
	c.IsValidation = labFlagged && !trialComplete
	c.PanelType = PanelSubpanel
	if labFlagged {
		c.PanelType = PanelMain
	}
	c.Fingerprint = sourceFingerprint(row)
	return c, ""
}

// sourceFingerprint hashes the lab, portal and trial fields a submission is
// built from.
func sourceFingerprint(row *mergedRow) string {
	h := sha256.New()
	field := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	if p := row.portal; p != nil {
		field("portal", p.PortalRunID, p.WorkflowRunID, string(p.Status), p.End.UTC().Format(time.RFC3339Nano),
			p.SequenceRunName, strconv.FormatBool(p.IsFailedRun))
	}
	if l := row.lab; l != nil {
		field("lab", l.SequenceRunName, strconv.FormatBool(l.IsValidation), strconv.FormatBool(l.IsResearch))
	}
	if t := row.trial; t != nil {
		field("trial", t.SampleType, strconv.FormatBool(t.IsComplete))
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			field(name, t.Fields[name])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(rows map[SampleKey]*mergedRow) []SampleKey {
	keys := make([]SampleKey, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SubjectID != keys[j].SubjectID {
			return keys[i].SubjectID < keys[j].SubjectID
		}
		return keys[i].LibraryID < keys[j].LibraryID
	})
	return keys
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// sameState compares everything except UpdatedAt.
func sameState(a, b SubmissionState) bool {
	return a.Key == b.Key &&
		a.Lifecycle == b.Lifecycle &&
		a.InLIMS == b.InLIMS &&
		a.InPortal == b.InPortal &&
		a.InTrial == b.InTrial &&
		a.InVendorSystem == b.InVendorSystem &&
		a.PortalRunID == b.PortalRunID &&
		a.PortalRunStatus == b.PortalRunStatus &&
		sameTime(a.PortalRunEnd, b.PortalRunEnd) &&
		a.SequenceRunName == b.SequenceRunName &&
		a.VendorCaseID == b.VendorCaseID &&
		a.VendorJobID == b.VendorJobID &&
		a.VendorJobStatus == b.VendorJobStatus &&
		a.VendorReportStatus == b.VendorReportStatus &&
		strings.Join(a.DuplicateCaseIDs, ",") == strings.Join(b.DuplicateCaseIDs, ",") &&
		a.NeedsReview == b.NeedsReview &&
		sameTime(a.SubmissionTime, b.SubmissionTime) &&
		a.IsDeleted == b.IsDeleted &&
		a.LastError == b.LastError &&
		a.FailedInputs == b.FailedInputs
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
