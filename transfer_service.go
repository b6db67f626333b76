package cttso_pieriandx_gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const (
	runInfoName        = "RunInfo.xml"
	coverageFileSuffix = "_Failed_Exon_coverage_QC.txt"
	doneMarkerName     = "done.txt"
)

// outputFileSuffixes are the per-sample analysis outputs the vendor needs.
var outputFileSuffixes = []string{
	"_Fusions.csv",
	"_MergedSmallVariants.genome.vcf.gz",
	"_CopyNumberVariants.vcf.gz",
	".tmb.json.gz",
	".msi.json.gz",
	coverageFileSuffix,
}

// TransferredObject is one confirmed object in the vendor bucket.
type TransferredObject struct {
	Source string
	Key    string
	Size   int64
}

type TransferResult struct {
	AccessionNumber string
	Sample          SampleEntry
	Objects         []TransferredObject
	MarkerKey       string
}

// TransferService copies a run's outputs into the vendor's ingestion bucket.
type TransferService struct {
	files  RunFileSource
	store  ObjectStore
	bucket string
}

func NewTransferService(files RunFileSource, store ObjectStore, bucket string) *TransferService {
	return &TransferService{files: files, store: store, bucket: bucket}
}

// Transfer uploads every required output of run under
// <destinationPrefix>/<accessionNumber>/ and writes the completion marker
// last. Any missing or unconfirmed object fails the whole transfer.
func (t *TransferService) Transfer(ctx context.Context, run WorkflowRun, destinationPrefix, accessionNumber string) (TransferResult, error) {
	ctx, span := tracer().Start(ctx, "transfer")
	defer span.End()

	result := TransferResult{AccessionNumber: accessionNumber}
	key, ok := KeyFromAccession(accessionNumber)
	if !ok {
		return result, &TransferError{AccessionNumber: accessionNumber, Err: fmt.Errorf("cannot derive library id from accession number")}
	}
	if run.OutputDir == "" {
		return result, &TransferError{AccessionNumber: accessionNumber, Err: fmt.Errorf("workflow run %s has no output directory", run.ID)}
	}

	listing, err := t.listRunFiles(ctx, run)
	if err != nil {
		return result, &TransferError{AccessionNumber: accessionNumber, Object: run.OutputDir, Err: err}
	}

	sheetFile, ok := listing[SampleSheetName]
	if !ok {
		return result, t.missing(accessionNumber, SampleSheetName)
	}
	sheetData, err := t.files.Download(ctx, sheetFile)
	if err != nil {
		return result, &TransferError{AccessionNumber: accessionNumber, Object: SampleSheetName, Err: err}
	}
	sample, err := sampleForLibrary(sheetData, key.LibraryID)
	if err != nil {
		return result, &TransferError{AccessionNumber: accessionNumber, Object: SampleSheetName, Err: err}
	}
	result.Sample = sample

	required := []ICAFile{sheetFile}
	for _, suffix := range outputFileSuffixes {
		f, ok := listing[sample.SampleID+suffix]
		if !ok {
			return result, t.missing(accessionNumber, sample.SampleID+suffix)
		}
		required = append(required, f)
	}
	runInfo, ok := listing[runInfoName]
	if !ok {
		return result, t.missing(accessionNumber, runInfoName)
	}
	required = append(required, runInfo)

	dir := path.Join(destinationPrefix, accessionNumber)
	markerKey := path.Join(dir, doneMarkerName)
	if err := t.store.DeleteObject(ctx, t.bucket, markerKey); err != nil && !errors.Is(err, ErrObjectNotFound) {
		log.Debug().Err(err).Str("key", markerKey).Msg("Could not clear previous completion marker")
	}

	for _, f := range required {
		obj, err := t.copyFile(ctx, f, dir)
		if err != nil {
			transfersTotal.WithLabelValues("failed").Inc()
			handleError(err, "Transfer failed", span)
			return result, &TransferError{AccessionNumber: accessionNumber, Object: f.Name, Err: err}
		}
		transfersTotal.WithLabelValues("confirmed").Inc()
		result.Objects = append(result.Objects, obj)
	}

	if _, err := t.putConfirmed(ctx, markerKey, []byte{}, "text/plain"); err != nil {
		return result, &TransferError{AccessionNumber: accessionNumber, Object: doneMarkerName, Err: err}
	}
	result.MarkerKey = markerKey
	log.Info().Str("accession_number", accessionNumber).Int("objects", len(result.Objects)).Str("bucket", t.bucket).Str("prefix", dir).Msg("Transferred run outputs")
	return result, nil
}

func (t *TransferService) missing(accessionNumber, name string) error {
	transfersTotal.WithLabelValues("missing").Inc()
	return &TransferError{AccessionNumber: accessionNumber, Object: name, Err: ErrMissingRequiredFile}
}

// listRunFiles indexes the output directory by file name, falling back to
// the work directory for names the output directory lacks.
func (t *TransferService) listRunFiles(ctx context.Context, run WorkflowRun) (map[string]ICAFile, error) {
	byName := map[string]ICAFile{}
	for _, dir := range []string{run.OutputDir, run.WorkDir} {
		if dir == "" {
			continue
		}
		files, err := t.files.ListFiles(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if _, seen := byName[f.Name]; !seen {
				byName[f.Name] = f
			}
		}
	}
	return byName, nil
}

// copyFile downloads f, gunzips it when needed and uploads it under dir.
func (t *TransferService) copyFile(ctx context.Context, f ICAFile, dir string) (TransferredObject, error) {
	data, err := t.files.Download(ctx, f)
	if err != nil {
		return TransferredObject{}, err
	}
	name := f.Name
	if name == SampleSheetName {
		name = "SampleSheet.csv"
	}
	if strings.HasSuffix(name, ".gz") {
		if data, err = gunzip(data); err != nil {
			return TransferredObject{}, fmt.Errorf("Failed to decompress %s: %w", f.Name, err)
		}
		name = strings.TrimSuffix(name, ".gz")
	}
	key := path.Join(dir, name)
	size, err := t.putConfirmed(ctx, key, data, "application/octet-stream")
	if err != nil {
		return TransferredObject{}, err
	}
	return TransferredObject{Source: f.URI(), Key: key, Size: size}, nil
}

// putConfirmed uploads and then checks the stored size.
func (t *TransferService) putConfirmed(ctx context.Context, key string, data []byte, contentType string) (int64, error) {
	if err := t.store.PutObject(ctx, t.bucket, key, data, contentType); err != nil {
		return 0, err
	}
	size, err := t.store.HeadObject(ctx, t.bucket, key)
	if err != nil {
		return 0, fmt.Errorf("Failed to confirm %s: %w", key, err)
	}
	if size != int64(len(data)) {
		return 0, fmt.Errorf("Failed to confirm %s: stored %d bytes, sent %d", key, size, len(data))
	}
	return size, nil
}

func sampleForLibrary(sheetData []byte, libraryID string) (SampleEntry, error) {
	sheet, err := ParseSampleSheet(bytes.NewReader(sheetData))
	if err != nil {
		return SampleEntry{}, err
	}
	var matches []string
	for _, id := range sheet.SampleIDs() {
		if strings.Contains(id, libraryID) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return SampleEntry{}, fmt.Errorf("no sample for library %s in sample sheet", libraryID)
	case 1:
	default:
		return SampleEntry{}, fmt.Errorf("several samples for library %s in sample sheet: %v", libraryID, matches)
	}
	entry, _ := sheet.FindSample(matches[0])
	return entry, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
