package cttso_pieriandx_gateway

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mitchellh/mapstructure"
)

// AccessionDefaults fills and overrides raw record fields. Values only apply
// to missing fields; Overrides always apply. A nil LocalZone rejects
// timestamps without a UTC offset.
type AccessionDefaults struct {
	Values     map[string]string
	Overrides  map[string]string
	LocalZone  *time.Location
	NotAfter   time.Time
	References *ReferenceTables
}

var repeatedUnderscores = regexp.MustCompile(`_+`)

// fieldSynonyms maps every accepted (normalized) header to its canonical field.
var fieldSynonyms = map[string]string{
	"sample_type":                      "sample_type",
	"sampletype":                       "sample_type",
	"disease":                          "disease_code",
	"disease_id":                       "disease_code",
	"disease_code":                     "disease_code",
	"disease_name":                     "disease_label",
	"disease_label":                    "disease_label",
	"specimen_type":                    "specimen_type_code",
	"specimen_type_code":               "specimen_type_code",
	"specimen_type_id":                 "specimen_type_code",
	"specimen_type_name":               "specimen_type_label",
	"specimen_type_label":              "specimen_type_label",
	"is_identified":                    "is_identified",
	"identified":                       "is_identified",
	"accession_number":                 "accession_number",
	"accession":                        "accession_number",
	"study_id":                         "study_id",
	"study_identifier":                 "study_id",
	"participant_id":                   "participant_id",
	"study_subject_identifier":         "participant_id",
	"subject_identifier":               "participant_id",
	"external_specimen_id":             "external_specimen_id",
	"external_sample_id":               "external_specimen_id",
	"specimen_label":                   "specimen_label",
	"date_accessioned":                 "date_accessioned",
	"date_collected":                   "date_collected",
	"datecollected":                    "date_collected",
	"date_collection":                  "date_collected",
	"time_collected":                   "time_collected",
	"date_received":                    "date_received",
	"date_receipt":                     "date_received",
	"indication":                       "indication",
	"gender":                           "gender",
	"sex":                              "gender",
	"patient_gender":                   "gender",
	"ethnicity":                        "ethnicity",
	"race":                             "race",
	"first_name":                       "first_name",
	"last_name":                        "last_name",
	"date_of_birth":                    "date_of_birth",
	"dob":                              "date_of_birth",
	"mrn":                              "mrn",
	"medical_record_number":            "mrn",
	"patient_urn":                      "mrn",
	"hospital_number":                  "hospital_number",
	"requesting_physicians_first_name": "requesting_physicians_first_name",
	"requesting_physicians_last_name":  "requesting_physicians_last_name",
	"panel_type":                       "panel_type",
	"panel":                            "panel_type",
}

type rawAccession struct {
	SampleType         string `mapstructure:"sample_type"`
	DiseaseCode        string `mapstructure:"disease_code"`
	DiseaseLabel       string `mapstructure:"disease_label"`
	SpecimenTypeCode   string `mapstructure:"specimen_type_code"`
	SpecimenTypeLabel  string `mapstructure:"specimen_type_label"`
	IsIdentified       string `mapstructure:"is_identified"`
	AccessionNumber    string `mapstructure:"accession_number"`
	StudyID            string `mapstructure:"study_id"`
	ParticipantID      string `mapstructure:"participant_id"`
	ExternalSpecimenID string `mapstructure:"external_specimen_id"`
	SpecimenLabel      string `mapstructure:"specimen_label"`
	DateAccessioned    string `mapstructure:"date_accessioned"`
	DateCollected      string `mapstructure:"date_collected"`
	TimeCollected      string `mapstructure:"time_collected"`
	DateReceived       string `mapstructure:"date_received"`
	Indication         string `mapstructure:"indication"`
	Gender             string `mapstructure:"gender"`
	Ethnicity          string `mapstructure:"ethnicity"`
	Race               string `mapstructure:"race"`
	FirstName          string `mapstructure:"first_name"`
	LastName           string `mapstructure:"last_name"`
	DateOfBirth        string `mapstructure:"date_of_birth"`
	MRN                string `mapstructure:"mrn"`
	HospitalNumber     string `mapstructure:"hospital_number"`
	PhysicianFirstName string `mapstructure:"requesting_physicians_first_name"`
	PhysicianLastName  string `mapstructure:"requesting_physicians_last_name"`
	PanelType          string `mapstructure:"panel_type"`
}

var optionalDefaults = map[string]string{
	"gender":         "unknown",
	"ethnicity":      "unknown",
	"race":           "unknown",
	"specimen_label": "primarySpecimen",
}

// BuildAccessionRecord maps one input row onto the vendor's accession schema.
// It is a pure function of its arguments.
func BuildAccessionRecord(raw map[string]string, defaults AccessionDefaults) (AccessionRecord, error) {
	var record AccessionRecord

	fields := canonicalFields(raw)
	for k, v := range canonicalFields(defaults.Values) {
		if strings.TrimSpace(fields[k]) == "" {
			fields[k] = v
		}
	}
	for k, v := range canonicalFields(defaults.Overrides) {
		fields[k] = v
	}
	for k, v := range optionalDefaults {
		if strings.TrimSpace(fields[k]) == "" {
			fields[k] = v
		}
	}

	var in rawAccession
	if err := mapstructure.Decode(fields, &in); err != nil {
		return record, fmt.Errorf("Failed to decode accession record: %w", err)
	}
	refs := defaults.References
	if refs == nil {
		refs = defaultReferences
	}

	m := caseAccessionRegex.FindStringSubmatch(strings.TrimSpace(in.AccessionNumber))
	if m == nil {
		if strings.TrimSpace(in.AccessionNumber) == "" {
			return record, newValidationError("accession_number", "missing")
		}
		return record, newValidationError("accession_number", "%q is not <subject_id>_<library_id>", in.AccessionNumber)
	}
	record.AccessionNumber = m[0]
	record.Key = SampleKey{SubjectID: m[1], LibraryID: m[2]}

	sampleType, err := normalizeSampleType(in.SampleType)
	if err != nil {
		return record, err
	}
	record.SampleType = sampleType

	identified, err := ParseIdentifiedFlag(in.IsIdentified).Normalize()
	if err != nil {
		return record, err
	}
	record.IsIdentified = identified

	if record.DateAccessioned, err = parseRecordTime("date_accessioned", in.DateAccessioned, "", defaults); err != nil {
		return record, err
	}
	if record.DateCollected, err = parseRecordTime("date_collected", in.DateCollected, in.TimeCollected, defaults); err != nil {
		return record, err
	}
	if record.DateReceived, err = parseRecordTime("date_received", in.DateReceived, "", defaults); err != nil {
		return record, err
	}

	diseaseCode, diseaseLabel := splitCodeLabel(in.DiseaseCode, in.DiseaseLabel)
	if record.Disease, err = resolveTerm("disease", refs.Diseases, diseaseCode, diseaseLabel); err != nil {
		return record, err
	}
	specimenCode, specimenLabel := splitCodeLabel(in.SpecimenTypeCode, in.SpecimenTypeLabel)
	if record.SpecimenType, err = resolveTerm("specimen_type", refs.Specimens, specimenCode, specimenLabel); err != nil {
		return record, err
	}

	record.Indication = strings.TrimSpace(in.Indication)
	if record.Indication == "" {
		return record, newValidationError("indication", "missing")
	}
	record.ExternalSpecimenID = strings.TrimSpace(in.ExternalSpecimenID)
	if record.ExternalSpecimenID == "" {
		return record, newValidationError("external_specimen_id", "missing")
	}
	record.SpecimenLabel = strings.TrimSpace(in.SpecimenLabel)

	if record.Gender, err = normalizeEnum("gender", in.Gender, genders); err != nil {
		return record, err
	}
	if record.Ethnicity, err = normalizeEnum("ethnicity", in.Ethnicity, ethnicities); err != nil {
		return record, err
	}
	if record.Race, err = normalizeEnum("race", in.Race, races); err != nil {
		return record, err
	}

	record.StudyID = strings.TrimSpace(in.StudyID)
	record.ParticipantID = strings.TrimSpace(in.ParticipantID)
	if record.IsIdentified {
		patient, err := buildPatient(in)
		if err != nil {
			return record, err
		}
		record.Patient = patient
		if record.StudyID == "" {
			record.StudyID = string(record.SampleType)
		}
		if record.ParticipantID == "" {
			record.ParticipantID = record.AccessionNumber
		}
	} else {
		if record.StudyID == "" {
			return record, newValidationError("study_id", "missing for de-identified sample")
		}
		if record.ParticipantID == "" {
			return record, newValidationError("participant_id", "missing for de-identified sample")
		}
	}

	if record.PanelType, err = selectPanel(record.SampleType, in.PanelType); err != nil {
		return record, err
	}
	return record, nil
}

func buildPatient(in rawAccession) (*Patient, error) {
	required := []struct{ name, value string }{
		{"first_name", in.FirstName},
		{"last_name", in.LastName},
		{"date_of_birth", in.DateOfBirth},
		{"mrn", in.MRN},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, newValidationError(r.name, "mandatory for identified samples")
		}
	}
	dobValue := strings.TrimSpace(in.DateOfBirth)
	if len(dobValue) > len("2006-01-02") {
		dobValue = dobValue[:len("2006-01-02")]
	}
	dob, err := time.Parse("2006-01-02", dobValue)
	if err != nil {
		return nil, newValidationError("date_of_birth", "%q is not a date", in.DateOfBirth)
	}
	p := &Patient{
		FirstName:      strings.TrimSpace(in.FirstName),
		LastName:       strings.TrimSpace(in.LastName),
		DateOfBirth:    dob,
		MRN:            strings.TrimSpace(in.MRN),
		HospitalNumber: strings.TrimSpace(in.HospitalNumber),
	}
	if in.PhysicianFirstName != "" || in.PhysicianLastName != "" {
		p.RequestingPhysician = strings.TrimSpace(strings.TrimSpace(in.PhysicianFirstName) + " " + strings.TrimSpace(in.PhysicianLastName))
	}
	return p, nil
}

// selectPanel gives an explicit panel precedence over the sample-type default.
func selectPanel(sampleType SampleType, override string) (PanelType, error) {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "":
	case "main", strings.ToLower(PanelMain.PanelName()):
		return PanelMain, nil
	case "subpanel", strings.ToLower(PanelSubpanel.PanelName()):
		return PanelSubpanel, nil
	default:
		return "", newValidationError("panel_type", "%q is neither main nor subpanel", override)
	}
	if sampleType == SampleTypePatientCare || sampleType == SampleTypeClinicalTrial {
		return PanelSubpanel, nil
	}
	return PanelMain, nil
}

func normalizeSampleType(value string) (SampleType, error) {
	v := normalizeToken(value)
	v = strings.TrimSuffix(v, "_sample")
	switch v {
	case "patient_care":
		v = "patientcare"
	case "clinicaltrial":
		v = "clinical_trial"
	case "proficiencytesting":
		v = "proficiency_testing"
	}
	for _, st := range sampleTypes {
		if string(st) == v {
			return st, nil
		}
	}
	if v == "" {
		return "", newValidationError("sample_type", "missing")
	}
	return "", newValidationError("sample_type", "%q is not one of %v", value, sampleTypes)
}

func normalizeEnum(field, value string, allowed []string) (string, error) {
	v := normalizeToken(value)
	for _, a := range allowed {
		if a == v {
			return v, nil
		}
	}
	return "", newValidationError(field, "%q is not one of %v", value, allowed)
}

func normalizeToken(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	return v
}

// canonicalFields normalizes headers and folds synonyms. Unknown headers are kept
// under their normalized name. When synonyms collide the header spelled like the
// canonical name wins, then the first non-empty header in sorted order.
func canonicalFields(in map[string]string) map[string]string {
	headers := make([]string, 0, len(in))
	for k := range in {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	out := make(map[string]string, len(in))
	exact := make(map[string]bool, len(in))
	for _, k := range headers {
		v := in[k]
		if strings.TrimSpace(v) == "" {
			continue
		}
		name := NormalizeHeader(k)
		canonical, ok := fieldSynonyms[name]
		if !ok {
			canonical = name
		}
		isExact := name == canonical
		if _, seen := out[canonical]; seen && (exact[canonical] || !isExact) {
			continue
		}
		out[canonical] = v
		exact[canonical] = isExact
	}
	return out
}

// splitCodeLabel moves a non-numeric value given in a code column to the label.
func splitCodeLabel(code, label string) (string, string) {
	code = strings.TrimSpace(code)
	if code != "" && !isNumeric(code) && strings.TrimSpace(label) == "" {
		return "", code
	}
	return code, label
}

// NormalizeHeader lowercases a column name, splits camelCase and turns
// spaces and hyphens into underscores.
func NormalizeHeader(header string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(header))
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteRune('_')
		}
		switch {
		case r == ' ' || r == '-':
			b.WriteRune('_')
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return strings.Trim(repeatedUnderscores.ReplaceAllString(b.String(), "_"), "_")
}

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05-0700",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05-0700",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// parseRecordTime returns value in UTC. A date-only value picks up
// timeOfDay (HH:MM) when given.
func parseRecordTime(field, value, timeOfDay string, defaults AccessionDefaults) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, newValidationError(field, "missing")
	}
	if len(value) == len("2006-01-02") && strings.TrimSpace(timeOfDay) != "" {
		value = value + " " + strings.TrimSpace(timeOfDay)
	}
	var parsed time.Time
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			parsed = t
			break
		}
	}
	if parsed.IsZero() {
		for _, layout := range naiveLayouts {
			if _, err := time.Parse(layout, value); err != nil {
				continue
			}
			if defaults.LocalZone == nil {
				return time.Time{}, newValidationError(field, "%q has no UTC offset", value)
			}
			parsed, _ = time.ParseInLocation(layout, value, defaults.LocalZone)
			break
		}
	}
	if parsed.IsZero() {
		return time.Time{}, newValidationError(field, "%q is not a timestamp", value)
	}
	parsed = parsed.UTC()
	if !defaults.NotAfter.IsZero() && parsed.After(defaults.NotAfter) {
		return time.Time{}, newValidationError(field, "%s is in the future", FormatUTC(parsed))
	}
	return parsed, nil
}

// FormatUTC renders t the way the vendor and the ledger expect.
func FormatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05+00:00")
}
