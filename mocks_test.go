package cttso_pieriandx_gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// mockS3 is an in-memory path-style S3 subset: put, head, get, delete.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failPut makes every PUT of a key with this suffix fail.
	failPut string
	puts    []string
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.TrimPrefix(req.URL.Path, "/")
	switch req.Method {
	case http.MethodHead:
		if body, ok := m.objects[key]; ok {
			return s3Response(200, nil, http.Header{"Content-Length": {strconv.Itoa(len(body))}}), nil
		}
		return s3Response(404, nil, http.Header{}), nil
	case http.MethodPut:
		if m.failPut != "" && strings.HasSuffix(key, m.failPut) {
			return s3Response(500, []byte("<Error><Code>InternalError</Code></Error>"), http.Header{}), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunkedLite(body); ok {
			body = dec
		}
		m.objects[key] = body
		m.puts = append(m.puts, key)
		return s3Response(200, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodGet:
		if body, ok := m.objects[key]; ok {
			return s3Response(200, body, http.Header{"Content-Length": {strconv.Itoa(len(body))}}), nil
		}
		return s3Response(404, []byte("<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>"), http.Header{"Content-Type": {"application/xml"}}), nil
	case http.MethodDelete:
		delete(m.objects, key)
		return s3Response(204, nil, http.Header{}), nil
	}
	return s3Response(501, nil, http.Header{}), nil
}

func (m *mockS3) object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[bucket+"/"+key]
	return body, ok
}

func (m *mockS3) putOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

func (m *mockS3) seed(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = body
}

func s3Response(status int, body []byte, header http.Header) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header}
}

// decodeChunkedLite unwraps a single-chunk aws-chunked body.
func decodeChunkedLite(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size := strings.SplitN(parts[0], ";", 2)[0]
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n {
		return nil, false
	}
	if !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockStore(t *testing.T) (*AWSS3Service, *mockS3) {
	t.Helper()
	rt := &mockS3{objects: map[string][]byte{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("ap-southeast-2"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.RetryMaxAttempts = 1
	})
	return NewAWSS3ServiceWithClient(TestProfile.S3, client), rt
}

// fakeRunFiles serves listings per folder and contents per gds uri.
type fakeRunFiles struct {
	folders   map[string][]ICAFile
	contents  map[string][]byte
	downloads []string
}

func newFakeRunFiles() *fakeRunFiles {
	return &fakeRunFiles{folders: map[string][]ICAFile{}, contents: map[string][]byte{}}
}

func (f *fakeRunFiles) add(folder, name string, data []byte) {
	volume := strings.SplitN(strings.TrimPrefix(folder, "gds://"), "/", 2)[0]
	p := strings.TrimPrefix(folder, "gds://"+volume) + "/" + name
	file := ICAFile{Name: name, VolumeName: volume, Path: p, SizeInBytes: int64(len(data)), PresignedURL: "https://presigned.local" + p}
	f.folders[folder] = append(f.folders[folder], file)
	f.contents[file.URI()] = data
}

func (f *fakeRunFiles) ListFiles(_ context.Context, folder string) ([]ICAFile, error) {
	return f.folders[folder], nil
}

func (f *fakeRunFiles) Download(_ context.Context, file ICAFile) ([]byte, error) {
	data, ok := f.contents[file.URI()]
	if !ok {
		return nil, fmt.Errorf("no content for %s", file.URI())
	}
	f.downloads = append(f.downloads, file.Name)
	return data, nil
}

// addCompleteRunOutputs lays out every file a transfer of sampleID needs.
func addCompleteRunOutputs(f *fakeRunFiles, outputDir, workDir, sampleID string) {
	f.add(outputDir, SampleSheetName, []byte(SampleSheetFixture))
	f.add(outputDir, sampleID+"_Fusions.csv", []byte("fusion\n"))
	f.add(outputDir, sampleID+"_MergedSmallVariants.genome.vcf.gz", gzipBytes([]byte("##fileformat=VCFv4.2\n")))
	f.add(outputDir, sampleID+"_CopyNumberVariants.vcf.gz", gzipBytes([]byte("##fileformat=VCFv4.2\n#CNV\n")))
	f.add(outputDir, sampleID+".tmb.json.gz", gzipBytes([]byte(`{"tmb": 4.2}`)))
	f.add(outputDir, sampleID+".msi.json.gz", gzipBytes([]byte(`{"msi": 0.1}`)))
	f.add(workDir, sampleID+"_Failed_Exon_coverage_QC.txt", []byte("exon\tcoverage\n"))
	f.add(workDir, runInfoName, []byte(RunInfoXMLFixture))
}

// fakeVendor records every write and serves cases from memory.
type fakeVendor struct {
	mu        sync.Mutex
	cases     []VendorCase
	nextID    int
	calls     []string
	createErr error
	jobErr    error
	reports   map[string][]byte
}

func newFakeVendor(cases ...VendorCase) *fakeVendor {
	return &fakeVendor{cases: cases, nextID: 100, reports: map[string][]byte{}}
}

func (v *fakeVendor) record(call string) {
	v.calls = append(v.calls, call)
}

func (v *fakeVendor) ListCases(_ context.Context) ([]VendorCase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ListCases")
	out := make([]VendorCase, 0, len(v.cases))
	for _, c := range v.cases {
		out = append(out, VendorCase{ID: c.ID, AccessionNumber: c.AccessionNumber, DateCreated: c.DateCreated, Deleted: c.Deleted})
	}
	return out, nil
}

func (v *fakeVendor) GetCase(_ context.Context, caseID string) (VendorCase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("GetCase " + caseID)
	for _, c := range v.cases {
		if c.ID == caseID {
			return c, nil
		}
	}
	return VendorCase{ID: caseID, Deleted: true}, nil
}

func (v *fakeVendor) FindCases(_ context.Context, accessionNumber string) ([]VendorCase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("FindCases " + accessionNumber)
	var out []VendorCase
	for _, c := range v.cases {
		if c.AccessionNumber == accessionNumber && !c.Deleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v *fakeVendor) CreateCase(_ context.Context, rec AccessionRecord) (VendorCase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("CreateCase " + rec.AccessionNumber)
	if v.createErr != nil {
		return VendorCase{}, v.createErr
	}
	v.nextID++
	c := VendorCase{ID: strconv.Itoa(v.nextID), AccessionNumber: rec.AccessionNumber, DateCreated: fixtureTime, PanelName: rec.PanelType.PanelName(), SampleType: string(rec.SampleType)}
	v.cases = append(v.cases, c)
	return c, nil
}

func (v *fakeVendor) CreateRun(_ context.Context, vc VendorCase, meta RunMetadata, sample SampleEntry) (VendorRun, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("CreateRun " + vc.ID)
	return VendorRun{ID: meta.SequencerRunName, RunName: meta.SequencerRunName, CaseID: vc.ID, AccessionNumber: vc.AccessionNumber, Lane: sample.Lane, Barcode: sample.Barcode, SampleID: sample.SampleID}, nil
}

func (v *fakeVendor) CreateJob(_ context.Context, run VendorRun) (VendorJob, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("CreateJob " + run.CaseID)
	if v.jobErr != nil {
		return VendorJob{}, v.jobErr
	}
	job := VendorJob{ID: "1", CaseID: run.CaseID, Status: "running"}
	for i := range v.cases {
		if v.cases[i].ID == run.CaseID {
			v.cases[i].Jobs = append(v.cases[i].Jobs, job)
		}
	}
	return job, nil
}

func (v *fakeVendor) ListReports(_ context.Context, caseID string) ([]VendorReport, error) {
	c, _ := v.GetCase(context.Background(), caseID)
	return c.Reports, nil
}

func (v *fakeVendor) DownloadReport(_ context.Context, caseID, reportID, format string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("DownloadReport " + caseID + " " + reportID + " " + format)
	data, ok := v.reports[caseID+"/"+reportID]
	if !ok {
		return nil, &VendorClientError{StatusCode: 404, Endpoint: "reports", Payload: "no such report"}
	}
	return data, nil
}

func (v *fakeVendor) callsWithPrefix(prefix string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, c := range v.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// fakeRuns serves workflow runs from memory.
type fakeRuns struct {
	runs []WorkflowRun
}

func (f *fakeRuns) ListWorkflowRuns(_ context.Context, status RunStatus) ([]WorkflowRun, error) {
	var out []WorkflowRun
	for _, r := range f.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) GetWorkflowRun(_ context.Context, runID string) (WorkflowRun, error) {
	for _, r := range f.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return WorkflowRun{}, fmt.Errorf("workflow run %s not found", runID)
}

// fakeTransfer succeeds unless the accession number is listed in fail.
type fakeTransfer struct {
	mu          sync.Mutex
	transferred []string
	fail        map[string]error
}

func (f *fakeTransfer) Transfer(_ context.Context, _ WorkflowRun, _ string, accessionNumber string) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[accessionNumber]; err != nil {
		return TransferResult{}, &TransferError{AccessionNumber: accessionNumber, Object: "SampleSheet.csv", Err: err}
	}
	f.transferred = append(f.transferred, accessionNumber)
	return TransferResult{AccessionNumber: accessionNumber, Sample: SampleEntry{SampleID: accessionNumber, Lane: "1", Barcode: "GACTGAGTAG-CACTATCAAC", SampleType: "DNA"}}, nil
}

type staticLab []LabRecord

func (s staticLab) ListLabRecords(context.Context) ([]LabRecord, error) { return s, nil }

type staticPortal []PortalRun

func (s staticPortal) ListPortalRuns(context.Context) ([]PortalRun, error) { return s, nil }

type staticTrial []TrialRecord

func (s staticTrial) ListTrialRecords(context.Context) ([]TrialRecord, error) { return s, nil }

// failingSource stands in for an unreachable lab sheet, portal or trial
// database.
type failingSource struct{ err error }

func (f failingSource) ListLabRecords(context.Context) ([]LabRecord, error)     { return nil, f.err }
func (f failingSource) ListPortalRuns(context.Context) ([]PortalRun, error)     { return nil, f.err }
func (f failingSource) ListTrialRecords(context.Context) ([]TrialRecord, error) { return nil, f.err }

// concurrentLedger records late as another writer would, just before the
// second ReadAll of a pass.
type concurrentLedger struct {
	*MemoryLedger
	mu    sync.Mutex
	reads int
	late  SubmissionState
}

func (l *concurrentLedger) ReadAll(ctx context.Context) ([]SubmissionState, error) {
	l.mu.Lock()
	l.reads++
	if l.reads == 2 {
		_ = l.MemoryLedger.Upsert(ctx, l.late.Key, l.late)
	}
	l.mu.Unlock()
	return l.MemoryLedger.ReadAll(ctx)
}

// recordingSink keeps every published report.
type recordingSink struct {
	reports []*BatchReport
}

func (r *recordingSink) Publish(_ context.Context, report *BatchReport) error {
	r.reports = append(r.reports, report)
	return nil
}
