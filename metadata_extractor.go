package cttso_pieriandx_gateway

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const sequencerRunPattern = `\d{6}_[A-Z0-9]+_\d{4}_[A-Z0-9]+`

var (
	processedLayoutRegex = regexp.MustCompile(`(gds://[^/\s"]+/primary_data/(` + sequencerRunPattern + `)/([0-9a-z]+)(?:/[^\s"]*)?)/RunInfo\.xml`)
	rawLayoutRegex       = regexp.MustCompile(`(gds://[^/\s"]+/Runs/(` + sequencerRunPattern + `)_r\.[A-Za-z0-9_-]+)/RunInfo\.xml`)
	runInfoRunIDRegex    = regexp.MustCompile(`<Run\s+Id="(` + sequencerRunPattern + `)"`)
	runInfoFlowcellRegex = regexp.MustCompile(`<Flowcell>(\w+)</Flowcell>`)
	runInfoLaneRegex     = regexp.MustCompile(`LaneCount="(\d+)"`)
	workflowNameRunRegex = regexp.MustCompile(`__(` + sequencerRunPattern + `)__`)
	portalRunIDRegex     = regexp.MustCompile(`__(\d{8}[0-9a-f]{8})$`)
)

// RunInfoMatcher recognises one run-info layout.
type RunInfoMatcher struct {
	Name  string
	Match func(run WorkflowRun, blob string) (RunMetadata, bool)
}

// MetadataExtractor tries its matchers in order; the first match wins.
type MetadataExtractor struct {
	Matchers []RunInfoMatcher
}

func NewMetadataExtractor() *MetadataExtractor {
	return &MetadataExtractor{Matchers: []RunInfoMatcher{
		{Name: "processed-layout", Match: matchProcessedLayout},
		{Name: "raw-layout", Match: matchRawLayout},
		{Name: "run-info-xml", Match: matchRunInfoXML},
		{Name: "workflow-name", Match: matchWorkflowName},
	}}
}

// Extract never fails. Without a matching layout the run name stays empty
// and a warning is logged.
func (m *MetadataExtractor) Extract(run WorkflowRun, runInfoBlob string) RunMetadata {
	for _, matcher := range m.Matchers {
		meta, ok := matcher.Match(run, runInfoBlob)
		if !ok {
			continue
		}
		log.Debug().Str("run_id", run.ID).Str("matcher", matcher.Name).Str("sequencer_run", meta.SequencerRunName).Msg("Extracted run metadata")
		return withRunDefaults(run, meta)
	}
	log.Warn().Str("run_id", run.ID).Str("run_name", run.Name).Msg("No run-info layout matched, continuing without sequencer run name")
	return withRunDefaults(run, RunMetadata{})
}

func withRunDefaults(run WorkflowRun, meta RunMetadata) RunMetadata {
	if meta.PortalRunID == "" {
		if m := portalRunIDRegex.FindStringSubmatch(run.Name); m != nil {
			meta.PortalRunID = m[1]
		}
	}
	if meta.FlowcellID == "" && meta.SequencerRunName != "" {
		meta.FlowcellID = flowcellFromRunName(meta.SequencerRunName)
	}
	meta.IsFailedRun = run.Status == RunFailed || run.Status == RunAborted
	return meta
}

func matchProcessedLayout(_ WorkflowRun, blob string) (RunMetadata, bool) {
	m := processedLayoutRegex.FindStringSubmatch(blob)
	if m == nil {
		return RunMetadata{}, false
	}
	return RunMetadata{RunFolderPath: m[1], SequencerRunName: m[2]}, true
}

func matchRawLayout(_ WorkflowRun, blob string) (RunMetadata, bool) {
	m := rawLayoutRegex.FindStringSubmatch(blob)
	if m == nil {
		return RunMetadata{}, false
	}
	return RunMetadata{RunFolderPath: m[1], SequencerRunName: m[2]}, true
}

func matchRunInfoXML(_ WorkflowRun, blob string) (RunMetadata, bool) {
	m := runInfoRunIDRegex.FindStringSubmatch(blob)
	if m == nil {
		return RunMetadata{}, false
	}
	meta := RunMetadata{SequencerRunName: m[1]}
	if fc := runInfoFlowcellRegex.FindStringSubmatch(blob); fc != nil {
		meta.FlowcellID = fc[1]
	}
	if lanes := runInfoLaneRegex.FindStringSubmatch(blob); lanes != nil {
		meta.LaneCount, _ = strconv.Atoi(lanes[1])
	}
	return meta, true
}

func matchWorkflowName(run WorkflowRun, _ string) (RunMetadata, bool) {
	m := workflowNameRunRegex.FindStringSubmatch(run.Name)
	if m == nil {
		return RunMetadata{}, false
	}
	return RunMetadata{SequencerRunName: m[1]}, true
}

// flowcellFromRunName drops the position letter from the last run-name field,
// e.g. 211008_A00130_0181_AHWC25DSX2 -> HWC25DSX2.
func flowcellFromRunName(runName string) string {
	parts := strings.Split(runName, "_")
	last := parts[len(parts)-1]
	if len(last) > 1 && (last[0] == 'A' || last[0] == 'B') {
		return last[1:]
	}
	return last
}
