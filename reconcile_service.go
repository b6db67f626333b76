package cttso_pieriandx_gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// VendorGateway is the write side of the vendor API used by a pass.
type VendorGateway interface {
	VendorCaseSource
	FindCases(ctx context.Context, accessionNumber string) ([]VendorCase, error)
	CreateCase(ctx context.Context, rec AccessionRecord) (VendorCase, error)
	CreateRun(ctx context.Context, vc VendorCase, meta RunMetadata, sample SampleEntry) (VendorRun, error)
	CreateJob(ctx context.Context, run VendorRun) (VendorJob, error)
}

// WorkflowRunSource lists runs on the genomics platform.
type WorkflowRunSource interface {
	ListWorkflowRuns(ctx context.Context, status RunStatus) ([]WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, runID string) (WorkflowRun, error)
}

type Transferer interface {
	Transfer(ctx context.Context, run WorkflowRun, destinationPrefix, accessionNumber string) (TransferResult, error)
}

// ReconcileDeps are the collaborators of a ReconcileService.
type ReconcileDeps struct {
	Lab       LabSource
	Portal    PortalSource
	Trial     TrialSource
	Vendor    VendorGateway
	Runs      WorkflowRunSource
	Transfer  Transferer
	Ledger    Ledger
	Extractor *MetadataExtractor
	Sinks     []ReportSink
	Clock     clock.Clock
}

type ReconcileSettings struct {
	DestinationPrefix     string
	MaxSubmissionsPerPass int
	SubmissionDelay       time.Duration
	LocalZone             *time.Location
	References            *ReferenceTables
	SlackURL              string
}

// ReconcileService runs reconciliation passes. Passes never overlap; within
// a pass the reads run in parallel and the submissions run one at a time.
type ReconcileService struct {
	deps     ReconcileDeps
	settings ReconcileSettings
	limiter  *rate.Limiter

	mu sync.Mutex
}

const vendorDetailConcurrency = 4

func NewReconcileService(deps ReconcileDeps, settings ReconcileSettings) *ReconcileService {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Extractor == nil {
		deps.Extractor = NewMetadataExtractor()
	}
	limit := rate.Inf
	if settings.SubmissionDelay > 0 {
		limit = rate.Every(settings.SubmissionDelay)
	}
	return &ReconcileService{deps: deps, settings: settings, limiter: rate.NewLimiter(limit, 1)}
}

// Run performs one full pass: gather, reconcile, check, persist, submit.
// The returned error is set only when the pass could not start; batch-fatal
// halts are reported through BatchReport.Halt.
func (s *ReconcileService) Run(ctx context.Context, dryRun bool) (*BatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := NewBatchReport(s.deps.Clock.Now(), dryRun)
	ctx, span := tracer().Start(ctx, "reconcile-pass")
	span.SetAttributes(attribute.String("pass_id", report.PassID), attribute.Bool("dry_run", dryRun))
	defer span.End()
	logger := log.With().Str("pass_id", report.PassID).Logger()

	snapshot, ledger, retired, degraded, err := s.gather(ctx)
	if handleError(err, "Gathering sources failed", span) {
		reconcilePassesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	report.DegradedSources = degraded

	plan := Reconcile(snapshot, ledger, retired, s.deps.Clock.Now(), ReconcileOptions{MaxSubmissions: s.settings.MaxSubmissionsPerPass})
	report.Decisions = plan.Decisions
	logger.Info().Int("samples", len(plan.States)).Int("to_submit", len(plan.ToSubmit)).Int("refresh", len(plan.Refresh)).Int("retire", len(plan.Retire)).Msg("Reconciled sources")

	if !dryRun {
		if err := s.persist(ctx, plan); err != nil {
			reconcilePassesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}
	recordLifecycles(plan.States)

	current, err := s.deps.Ledger.ReadAll(ctx)
	if handleError(err, "Reading ledger before submission failed", span) {
		reconcilePassesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("Failed to read ledger: %w", err)
	}
	processing := InProgressStates(append(append([]SubmissionState(nil), ledger...), current...), snapshot.Vendor)
	if err := CheckConsistency(plan.ToSubmit, processing); err != nil {
		var cv *ConsistencyViolation
		errors.As(err, &cv)
		report.halt(cv.Key, err)
		logger.Error().Err(err).Msg("Halting pass")
		return s.finish(ctx, report), nil
	}
	if dryRun {
		return s.finish(ctx, report), nil
	}

	s.submitAll(ctx, plan.ToSubmit, nil, report)
	return s.finish(ctx, report), nil
}

// SubmitRecords is the bulk path: each raw accession row is resolved,
// extracted, built, transferred and submitted without consulting the other
// sources. runIDs, when given, pin the workflow run per row in order.
func (s *ReconcileService) SubmitRecords(ctx context.Context, rows []map[string]string, runIDs []string, dryRun bool) (*BatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := NewBatchReport(s.deps.Clock.Now(), dryRun)
	ctx, span := tracer().Start(ctx, "bulk-submit")
	defer span.End()
	if len(runIDs) > 0 && len(runIDs) != len(rows) {
		return nil, fmt.Errorf("Failed to submit: %d run ids given for %d records", len(runIDs), len(rows))
	}

	retired, err := s.deps.Ledger.ReadRetired(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to read retired ledger: %w", err)
	}
	retiredKeys := make(map[SampleKey]bool, len(retired))
	for _, r := range retired {
		retiredKeys[r.Key] = true
	}

	var candidates []Candidate
	pinned := map[SampleKey]string{}
	raws := map[SampleKey]map[string]string{}
	for i, row := range rows {
		rec, err := BuildAccessionRecord(row, s.accessionDefaults(nil, ""))
		if err != nil {
			report.addFailure(SampleKey{}, rowValue(row, "accession_number"), err)
			continue
		}
		if retiredKeys[rec.Key] {
			report.addFailure(rec.Key, rec.AccessionNumber, fmt.Errorf("%s: %w", rec.AccessionNumber, ErrSampleRetired))
			continue
		}
		candidates = append(candidates, Candidate{Key: rec.Key, PanelType: rec.PanelType})
		raws[rec.Key] = row
		if len(runIDs) > 0 {
			pinned[rec.Key] = runIDs[i]
		}
	}
	ledger, err := s.deps.Ledger.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to read ledger: %w", err)
	}
	processing := map[SampleKey]SubmissionState{}
	for _, st := range ledger {
		if st.HasCase() {
			processing[st.Key] = st
		}
	}
	if err := CheckConsistency(candidates, processing); err != nil {
		var cv *ConsistencyViolation
		errors.As(err, &cv)
		report.halt(cv.Key, err)
		return s.finish(ctx, report), nil
	}
	if dryRun {
		for _, c := range candidates {
			report.Decisions = append(report.Decisions, Decision{c.Key, LifecyclePending, ActionSubmit, "bulk input"})
		}
		return s.finish(ctx, report), nil
	}
	s.submitAll(ctx, candidates, &bulkInput{raw: raws, runIDs: pinned}, report)
	return s.finish(ctx, report), nil
}

type bulkInput struct {
	raw    map[SampleKey]map[string]string
	runIDs map[SampleKey]string
}

// gather reads every source in parallel. The lab sheet and trial database
// are optional: when one cannot be read the pass goes on without it and the
// source is returned in degraded.
func (s *ReconcileService) gather(ctx context.Context) (snapshot SourceSnapshot, ledger, retired []SubmissionState, degraded []string, err error) {
	var labErr, trialErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.deps.Lab == nil {
			return nil
		}
		snapshot.Lab, labErr = s.deps.Lab.ListLabRecords(gctx)
		return nil
	})
	g.Go(func() (err error) {
		snapshot.Portal, err = s.deps.Portal.ListPortalRuns(gctx)
		return wrapSource("portal", err)
	})
	g.Go(func() error {
		if s.deps.Trial == nil {
			return nil
		}
		snapshot.Trial, trialErr = s.deps.Trial.ListTrialRecords(gctx)
		return nil
	})
	g.Go(func() (err error) {
		snapshot.Vendor, err = s.deps.Vendor.ListCases(gctx)
		return wrapSource("vendor", err)
	})
	g.Go(func() (err error) {
		ledger, err = s.deps.Ledger.ReadAll(gctx)
		return wrapSource("ledger", err)
	})
	g.Go(func() (err error) {
		retired, err = s.deps.Ledger.ReadRetired(gctx)
		return wrapSource("retired ledger", err)
	})
	if err := g.Wait(); err != nil {
		return snapshot, nil, nil, nil, err
	}
	for _, src := range []struct {
		name string
		err  error
	}{{"lab sheet", labErr}, {"trial database", trialErr}} {
		if src.err == nil {
			continue
		}
		log.Warn().Err(wrapSource(src.name, src.err)).Msg("Continuing pass without source")
		sourceErrorsTotal.WithLabelValues(src.name).Inc()
		degraded = append(degraded, src.name)
	}
	if labErr != nil {
		snapshot.Lab = nil
	}
	if trialErr != nil {
		snapshot.Trial = nil
	}

	vendor, err := s.refreshCases(ctx, snapshot.Vendor, ledger)
	if err != nil {
		return snapshot, nil, nil, nil, err
	}
	snapshot.Vendor = vendor
	return snapshot, ledger, retired, degraded, nil
}

// refreshCases fetches job and report detail for every listed case not yet
// known to be completed.
func (s *ReconcileService) refreshCases(ctx context.Context, cases []VendorCase, ledger []SubmissionState) ([]VendorCase, error) {
	completed := map[string]bool{}
	for _, st := range ledger {
		if st.Lifecycle == LifecycleCompleted && st.VendorCaseID != "" {
			completed[st.VendorCaseID] = true
		}
	}
	out := make([]VendorCase, len(cases))
	copy(out, cases)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(vendorDetailConcurrency)
	for i := range out {
		if completed[out[i].ID] {
			continue
		}
		if _, ok := KeyFromAccession(out[i].AccessionNumber); !ok {
			continue
		}
		i := i
		g.Go(func() error {
			detail, err := s.deps.Vendor.GetCase(gctx, out[i].ID)
			if err != nil {
				return wrapSource("vendor case "+out[i].ID, err)
			}
			if detail.AccessionNumber == "" {
				detail.AccessionNumber = out[i].AccessionNumber
			}
			if detail.DateCreated.IsZero() {
				detail.DateCreated = out[i].DateCreated
			}
			out[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReconcileService) persist(ctx context.Context, plan Plan) error {
	for _, state := range plan.Changed {
		if state.Lifecycle == LifecycleDeleted {
			continue
		}
		if err := s.deps.Ledger.Upsert(ctx, state.Key, state); err != nil {
			return fmt.Errorf("Failed to upsert %s: %w", state.Key, err)
		}
	}
	for _, state := range plan.Retire {
		if err := s.deps.Ledger.Retire(ctx, state); err != nil {
			return fmt.Errorf("Failed to retire %s: %w", state.Key, err)
		}
		log.Info().Str("subject_id", state.Key.SubjectID).Str("library_id", state.Key.LibraryID).Msg("Retired deleted sample")
	}
	return nil
}

// submitAll submits candidates one at a time, waiting on the limiter before
// each. Per-sample errors are recorded; batch-fatal errors stop the loop.
func (s *ReconcileService) submitAll(ctx context.Context, candidates []Candidate, bulk *bulkInput, report *BatchReport) {
	var runs []WorkflowRun
	for _, c := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			report.halt(c.Key, err)
			return
		}
		if runs == nil && (bulk == nil || bulk.runIDs[c.Key] == "") {
			var err error
			if runs, err = s.deps.Runs.ListWorkflowRuns(ctx, RunSucceeded); err != nil {
				report.halt(c.Key, fmt.Errorf("Failed to list workflow runs: %w", err))
				return
			}
		}
		var raw map[string]string
		var pinnedRun string
		if bulk != nil {
			raw, pinnedRun = bulk.raw[c.Key], bulk.runIDs[c.Key]
		}

		outcome, state, err := s.submitOne(ctx, c, runs, raw, pinnedRun)
		logger := sampleLogger(c.Key)
		if err != nil {
			submissionsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Msg("Submission failed")
			state.LastError = err.Error()
			if isInputFailure(err) {
				state.FailedInputs = c.Fingerprint
			}
			if uerr := s.deps.Ledger.Upsert(ctx, c.Key, state); uerr != nil {
				logger.Error().Err(uerr).Msg("Could not record submission failure")
			}
			if isBatchFatal(err) {
				report.halt(c.Key, err)
				return
			}
			report.addFailure(c.Key, outcome.AccessionNumber, err)
			continue
		}
		submissionsTotal.WithLabelValues("submitted").Inc()
		if err := s.deps.Ledger.Upsert(ctx, c.Key, state); err != nil {
			logger.Error().Err(err).Str("case_id", state.VendorCaseID).Msg("Case created but ledger update failed")
			report.halt(c.Key, fmt.Errorf("Failed to record case %s: %w", state.VendorCaseID, err))
			return
		}
		logger.Info().Str("case_id", outcome.CaseID).Str("job_id", outcome.JobID).Msg("Submitted sample")
		report.addSuccess(outcome)
	}
}

func (s *ReconcileService) submitOne(ctx context.Context, c Candidate, runs []WorkflowRun, raw map[string]string, pinnedRun string) (SampleOutcome, SubmissionState, error) {
	ctx, span := tracer().Start(ctx, "submit-sample")
	defer span.End()
	span.SetAttributes(attribute.String("sample", c.Key.String()))

	now := s.deps.Clock.Now().UTC()
	outcome := SampleOutcome{Key: c.Key, AccessionNumber: c.Key.AccessionNumber()}
	state := SubmissionState{Key: c.Key, Lifecycle: LifecyclePending, UpdatedAt: now,
		InLIMS: c.Lab != nil, InTrial: c.Trial != nil, InPortal: c.Portal.PortalRunID != "",
		PortalRunID: c.Portal.PortalRunID, PortalRunStatus: c.Portal.Status, SequenceRunName: c.Portal.SequenceRunName}
	if !c.Portal.End.IsZero() {
		end := c.Portal.End.UTC()
		state.PortalRunEnd = &end
	}

	var run WorkflowRun
	var err error
	if pinnedRun != "" {
		run, err = s.deps.Runs.GetWorkflowRun(ctx, pinnedRun)
	} else {
		run, err = Resolve(c.Key.SubjectID, c.Key.LibraryID, runs)
		if err == nil {
			run, err = s.deps.Runs.GetWorkflowRun(ctx, run.ID)
		}
	}
	if err != nil {
		return outcome, state, err
	}

	blob := c.Portal.RunInfoBlob
	if blob == "" {
		blob = run.Input
	}
	meta := s.deps.Extractor.Extract(run, blob)
	if state.SequenceRunName == "" {
		state.SequenceRunName = meta.SequencerRunName
	}

	defaults := s.accessionDefaults(nil, "")
	if raw == nil {
		raw = candidateRecord(c, now)
		defaults = s.accessionDefaults(clinicalDefaults, c.PanelType)
		if c.IsValidation {
			defaults.Values = validationDefaults
		}
	}
	rec, err := BuildAccessionRecord(raw, defaults)
	if err != nil {
		return outcome, state, err
	}
	outcome.AccessionNumber = rec.AccessionNumber

	existing, err := s.deps.Vendor.FindCases(ctx, rec.AccessionNumber)
	if err != nil {
		return outcome, state, err
	}
	if len(existing) > 0 {
		return outcome, state, fmt.Errorf("%s (case %s): %w", rec.AccessionNumber, existing[0].ID, ErrCaseAlreadyExists)
	}

	transferred, err := s.deps.Transfer.Transfer(ctx, run, s.settings.DestinationPrefix, rec.AccessionNumber)
	if err != nil {
		return outcome, state, err
	}

	vc, err := s.deps.Vendor.CreateCase(ctx, rec)
	if err != nil {
		return outcome, state, err
	}
	state.VendorCaseID, outcome.CaseID = vc.ID, vc.ID
	state.InVendorSystem = true
	state.SubmissionTime = &now
	state.Lifecycle = LifecycleSubmitted

	vr, err := s.deps.Vendor.CreateRun(ctx, vc, meta, transferred.Sample)
	if err != nil {
		return outcome, state, err
	}
	job, err := s.deps.Vendor.CreateJob(ctx, vr)
	if err != nil {
		return outcome, state, err
	}
	state.VendorJobID, outcome.JobID = job.ID, job.ID
	state.VendorJobStatus = job.Status
	state.Lifecycle = LifecycleInProgress
	return outcome, state, nil
}

// accessionDefaults fills empty fields from values; a non-empty panel
// overrides whatever the row says.
func (s *ReconcileService) accessionDefaults(values map[string]string, panel PanelType) AccessionDefaults {
	d := AccessionDefaults{
		Values:     values,
		Overrides:  map[string]string{},
		LocalZone:  s.settings.LocalZone,
		NotAfter:   s.deps.Clock.Now().UTC().Add(time.Minute),
		References: s.settings.References,
	}
	if panel != "" {
		d.Overrides["panel_type"] = string(panel)
	}
	return d
}

var validationDefaults = map[string]string{
	"sample_type":                      "validation",
	"indication":                       "NA",
	"disease_id":                       "285645000",
	"disease_name":                     "Disseminated malignancy of unknown primary",
	"is_identified":                    "true",
	"requesting_physicians_first_name": "Sean",
	"requesting_physicians_last_name":  "Grimmond",
	"first_name":                       "John",
	"last_name":                        "Doe",
	"date_of_birth":                    "1970-01-01",
	"mrn":                              "NA",
	"specimen_type":                    "122561005",
	"hospital_number":                  "99",
}

var clinicalDefaults = map[string]string{
	"is_identified":   "true",
	"specimen_type":   "122561005",
	"indication":      "NA",
	"hospital_number": "99",
	"date_of_birth":   "1970-01-01",
	"last_name":       "Doe",
}

// candidateRecord is the raw accession row for a reconciled candidate.
func candidateRecord(c Candidate, now time.Time) map[string]string {
	raw := map[string]string{}
	if c.Trial != nil && !c.IsValidation {
		for k, v := range c.Trial.Fields {
			raw[k] = v
		}
		if raw["first_name"] == "" {
			raw["first_name"] = "John"
			if strings.EqualFold(raw["gender"], "female") {
				raw["first_name"] = "Jane"
			}
		}
	}
	stamp := FormatUTC(now)
	raw["accession_number"] = c.Key.AccessionNumber()
	raw["external_specimen_id"] = firstNonEmpty(raw["external_specimen_id"], c.Key.LibraryID)
	raw["date_accessioned"] = firstNonEmpty(raw["date_accessioned"], stamp)
	raw["date_collected"] = firstNonEmpty(raw["date_collected"], stamp)
	raw["date_received"] = firstNonEmpty(raw["date_received"], stamp)
	if c.IsValidation {
		raw["study_id"] = c.Key.SubjectID
		raw["participant_id"] = c.Key.SubjectID
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func rowValue(row map[string]string, field string) string {
	for k, v := range row {
		if NormalizeHeader(k) == field {
			return v
		}
	}
	return ""
}

func wrapSource(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("Failed to read %s: %w", name, err)
}

// finish stamps, publishes and alerts. Sink failures are logged only.
func (s *ReconcileService) finish(ctx context.Context, report *BatchReport) *BatchReport {
	report.FinishedAt = s.deps.Clock.Now().UTC()
	outcome := "ok"
	switch {
	case report.Halted():
		outcome = "halted"
	case len(report.Failures) > 0:
		outcome = "partial"
	}
	reconcilePassesTotal.WithLabelValues(outcome).Inc()
	for _, sink := range s.deps.Sinks {
		if err := sink.Publish(ctx, report); err != nil {
			log.Warn().Err(err).Str("pass_id", report.PassID).Msg("Could not publish pass report")
		}
	}
	if err := notifyHalt(ctx, s.settings.SlackURL, report); err != nil {
		log.Warn().Err(err).Msg("Could not send Slack alert")
	}
	return report
}
