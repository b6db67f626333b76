package cttso_pieriandx_gateway

import (
	"bytes"
	"time"

	"github.com/klauspost/compress/gzip"
)

var SampleSheetFixture = `[Header]
IEMFileVersion,5
Experiment Name,Tsqn211008
Date,8/10/2021
Workflow,GenerateFASTQ
Instrument Type,NovaSeq

[Reads]
151
151

[Settings]
AdapterRead1,CTGTCTCTTATACACATCT
AdapterRead2,CTGTCTCTTATACACATCT

[Data]
Lane,Sample_ID,Sample_Name,index,index2,Sample_Type,Pair_ID
1,PRJ210001_L2100001,PRJ210001,GACTGAGTAG,CACTATCAAC,DNA,PRJ210001_L2100001
1,PRJ210002_L2100002_rerun,PRJ210002,AGTCAGACGA,TGTCGCTGGT,DNA,PRJ210002_L2100002_rerun
`

var RunInfoXMLFixture = `<?xml version="1.0"?>
<RunInfo Version="5">
  <Run Id="211008_A00130_0181_AHWC25DSX2" Number="181">
    <Flowcell>HWC25DSX2</Flowcell>
    <Instrument>A00130</Instrument>
    <FlowcellLayout LaneCount="2" SurfaceCount="2" SwathCount="6" TileCount="88" />
  </Run>
</RunInfo>
`

var ProcessedLayoutInputFixture = `{
  "tso500_samples": [{"sample_id": "PRJ210001_L2100001", "sample_type": "DNA"}],
  "samplesheet": {"class": "File", "location": "gds://production/primary_data/211008_A00130_0181_AHWC25DSX2/202110091c1f0a2b/SampleSheet.csv"},
  "run_info_xml": {"class": "File", "location": "gds://production/primary_data/211008_A00130_0181_AHWC25DSX2/202110091c1f0a2b/RunInfo.xml"}
}`

var RawLayoutInputFixture = `{
  "run_info_xml": {"class": "File", "location": "gds://bssh.acddbfda498038ed99fa94fe79523959/Runs/211008_A00130_0181_AHWC25DSX2_r.Gq1B8jfPW0mT5bAJtn5pNA/RunInfo.xml"}
}`

// WorkflowNameFixture follows the automated ctTSO workflow naming scheme.
const WorkflowNameFixture = "umccr__automated__tso_ctdna_tumor_only__PRJ210001__L2100001__211008_A00130_0181_AHWC25DSX2__202110105b9c4a1e"

// ValidAccessionRowFixture is a complete identified clinical record.
func ValidAccessionRowFixture() map[string]string {
	return map[string]string{
		"Sample Type":                      "patientcare",
		"Indication":                       "Metastatic disease",
		"Disease ID":                       "363358000",
		"Is Identified":                    "True",
		"Accession Number":                 "PRJ210001_L2100001",
		"Study ID":                         "",
		"Participant ID":                   "",
		"Specimen Type":                    "122561005",
		"External Specimen ID":             "EXT1",
		"Date Accessioned":                 "2021-10-04T09:00:00+10:00",
		"Date Collected":                   "2021-10-01T09:00:00+10:00",
		"Date Received":                    "2021-10-02T09:00:00+10:00",
		"Gender":                           "female",
		"Ethnicity":                        "unknown",
		"Race":                             "unknown",
		"First Name":                       "Jane",
		"Last Name":                        "Doe",
		"Date Of Birth":                    "1970-01-01",
		"MRN":                              "3069999",
		"Hospital Number":                  "99",
		"Requesting Physicians First Name": "Sean",
		"Requesting Physicians Last Name":  "Grimmond",
	}
}

// fixtureTime is the fake clock start of the package tests.
var fixtureTime = time.Date(2021, 10, 12, 1, 0, 0, 0, time.UTC)

func gzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}
