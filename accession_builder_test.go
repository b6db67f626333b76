package cttso_pieriandx_gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireValidationField(t *testing.T, err error, field string) {
	t.Helper()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, field, ve.Field)
}

func TestBuildAccessionRecord(t *testing.T) {
	defaults := AccessionDefaults{NotAfter: fixtureTime}

	t.Run("IdentifiedPatientCare", func(t *testing.T) {
		rec, err := BuildAccessionRecord(ValidAccessionRowFixture(), defaults)
		require.NoError(t, err)
		assert.Equal(t, SampleKey{"PRJ210001", "L2100001"}, rec.Key)
		assert.Equal(t, SampleTypePatientCare, rec.SampleType)
		assert.Equal(t, PanelSubpanel, rec.PanelType)
		assert.Equal(t, SnomedTerm{Code: "363358000", Label: "Malignant tumor of lung"}, rec.Disease)
		assert.Equal(t, "Blood specimen from patient", rec.SpecimenType.Label)
		assert.Equal(t, "2021-10-03T23:00:00+00:00", FormatUTC(rec.DateAccessioned))
		assert.Equal(t, "female", rec.Gender)
		assert.Equal(t, "primarySpecimen", rec.SpecimenLabel)
		assert.Equal(t, "patientcare", rec.StudyID)
		assert.Equal(t, "PRJ210001_L2100001", rec.ParticipantID)
		require.NotNil(t, rec.Patient)
		assert.Equal(t, "3069999", rec.Patient.MRN)
		assert.Equal(t, "Sean Grimmond", rec.Patient.RequestingPhysician)
	})

	t.Run("ValidationSampleUsesMainPanel", func(t *testing.T) {
		raw := map[string]string{
			"sample_type":          "Validation",
			"is_identified":        "false",
			"accession_number":     "PRJ210001_L2100001",
			"study_id":             "PRJ210001",
			"participant_id":       "PRJ210001",
			"disease_name":         "Disseminated malignancy of unknown primary",
			"specimen_type":        "122561005",
			"external_specimen_id": "L2100001",
			"indication":           "NA",
			"date_accessioned":     "2021-10-04T09:00:00+10:00",
			"date_collected":       "2021-10-04T09:00:00+10:00",
			"date_received":        "2021-10-04T09:00:00+10:00",
		}
		rec, err := BuildAccessionRecord(raw, defaults)
		require.NoError(t, err)
		assert.Equal(t, SampleTypeValidation, rec.SampleType)
		assert.Equal(t, PanelMain, rec.PanelType)
		assert.Equal(t, "285645000", rec.Disease.Code)
		assert.Equal(t, time.Date(2021, 10, 3, 23, 0, 0, 0, time.UTC), rec.DateCollected)
		assert.Nil(t, rec.Patient)
		assert.False(t, rec.IsIdentified)
	})

	t.Run("ExplicitPanelWins", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Panel Type"] = "main"
		rec, err := BuildAccessionRecord(raw, defaults)
		require.NoError(t, err)
		assert.Equal(t, PanelMain, rec.PanelType)

		d := defaults
		d.Overrides = map[string]string{"panel_type": "SUBPANEL"}
		rec, err = BuildAccessionRecord(raw, d)
		require.NoError(t, err)
		assert.Equal(t, PanelSubpanel, rec.PanelType)
	})

	t.Run("IdentifiedFlagSpellingsAgree", func(t *testing.T) {
		for _, v := range []string{"true", "TRUE", "True", " true "} {
			raw := ValidAccessionRowFixture()
			raw["Is Identified"] = v
			rec, err := BuildAccessionRecord(raw, defaults)
			require.NoError(t, err, v)
			assert.True(t, rec.IsIdentified, v)
		}
		raw := ValidAccessionRowFixture()
		raw["Is Identified"] = "yes"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "is_identified")
	})

	t.Run("IdentifiedRequiresPatientFields", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		delete(raw, "MRN")
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "mrn")
	})

	t.Run("DeidentifiedRequiresStudyFields", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Is Identified"] = "false"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "study_id")
	})

	t.Run("NaiveTimestamp", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Date Accessioned"] = "2021-10-04 09:00:00"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "date_accessioned")

		d := defaults
		d.LocalZone = time.FixedZone("AEST", 10*60*60)
		rec, err := BuildAccessionRecord(raw, d)
		require.NoError(t, err)
		assert.Equal(t, "2021-10-03T23:00:00+00:00", FormatUTC(rec.DateAccessioned))
	})

	t.Run("DateWithTimeOfDay", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Date Collected"] = "2021-10-01"
		raw["Time Collected"] = "08:30"
		d := defaults
		d.LocalZone = time.UTC
		rec, err := BuildAccessionRecord(raw, d)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2021, 10, 1, 8, 30, 0, 0, time.UTC), rec.DateCollected)
	})

	t.Run("UnparseableTimestamp", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Date Received"] = "last tuesday"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "date_received")
	})

	t.Run("FutureTimestamp", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Date Received"] = "2030-01-01T00:00:00Z"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "date_received")
	})

	t.Run("SampleTypeSynonyms", func(t *testing.T) {
		for in, want := range map[string]SampleType{
			"patient_care":        SampleTypePatientCare,
			"Clinical Trial":      SampleTypeClinicalTrial,
			"validation_sample":   SampleTypeValidation,
			"proficiency-testing": SampleTypeProficiencyTesting,
		} {
			raw := ValidAccessionRowFixture()
			raw["Sample Type"] = in
			rec, err := BuildAccessionRecord(raw, defaults)
			require.NoError(t, err, in)
			assert.Equal(t, want, rec.SampleType, in)
		}
		raw := ValidAccessionRowFixture()
		raw["Sample Type"] = "research"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "sample_type")
	})

	t.Run("SpecimenLabelResolvesToCode", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		delete(raw, "Specimen Type")
		raw["specimen_type_name"] = "plasma specimen"
		rec, err := BuildAccessionRecord(raw, defaults)
		require.NoError(t, err)
		assert.Equal(t, "119361006", rec.SpecimenType.Code)
	})

	t.Run("CodeBeatsLabel", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Disease Name"] = "Malignant melanoma"
		rec, err := BuildAccessionRecord(raw, defaults)
		require.NoError(t, err)
		assert.Equal(t, "363358000", rec.Disease.Code)
	})

	t.Run("UnknownLabel", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		delete(raw, "Disease ID")
		raw["Disease Name"] = "Not a disease"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "disease")
	})

	t.Run("DefaultsFillOnlyMissingFields", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		delete(raw, "Indication")
		d := defaults
		d.Values = map[string]string{"indication": "NA", "mrn": "0000"}
		rec, err := BuildAccessionRecord(raw, d)
		require.NoError(t, err)
		assert.Equal(t, "NA", rec.Indication)
		assert.Equal(t, "3069999", rec.Patient.MRN)
	})

	t.Run("BadAccessionNumber", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		raw["Accession Number"] = "not-an-accession"
		_, err := BuildAccessionRecord(raw, defaults)
		requireValidationField(t, err, "accession_number")
	})

	t.Run("Pure", func(t *testing.T) {
		raw := ValidAccessionRowFixture()
		a, errA := BuildAccessionRecord(raw, defaults)
		b, errB := BuildAccessionRecord(raw, defaults)
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, a, b)
		assert.Equal(t, ValidAccessionRowFixture(), raw)
	})
}

func TestNormalizeHeader(t *testing.T) {
	for in, want := range map[string]string{
		"Sample Type":       "sample_type",
		"sampleType":        "sample_type",
		"Date-Of-Birth":     "date_of_birth",
		"  External  ID  ":  "external_id",
		"requesting_physicians_first_name": "requesting_physicians_first_name",
	} {
		assert.Equal(t, want, NormalizeHeader(in), in)
	}
}
