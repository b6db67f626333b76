package cttso_pieriandx_gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labSheetFixture = `LibraryID,SubjectID,Type,Assay,ProjectName,Workflow,Run,Status
L2100001,PRJ210001,ctDNA,ctTSO,PO,clinical,211008_A00130_0181_AHWC25DSX2,
L2100002,PRJ210002,ctDNA,ctTSO,Validation,clinical,211008_A00130_0181_AHWC25DSX2,
L2100003,PRJ210003,ctDNA,ctTSO,PO,research,211008_A00130_0181_AHWC25DSX2,deleted
L2100004,PRJ210004,WGS,TsqNano,PO,clinical,211008_A00130_0181_AHWC25DSX2,
,PRJ210005,ctDNA,ctTSO,PO,clinical,211008_A00130_0181_AHWC25DSX2,
`

func TestLabSheetService(t *testing.T) {
	ctx := context.Background()
	store, rt := newMockStore(t)
	rt.seed("lab-bucket", "sheets/lab.csv", []byte(labSheetFixture))

	records, err := NewLabSheetService(store, "lab-bucket", "sheets/lab.csv").ListLabRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, LabRecord{Key: keyA, SequenceRunName: "211008_A00130_0181_AHWC25DSX2"}, records[0])
	assert.True(t, records[1].IsValidation)
	assert.True(t, records[2].IsResearch)
	assert.True(t, records[2].IsDeleted)

	_, err = NewLabSheetService(store, "lab-bucket", "sheets/missing.csv").ListLabRecords(ctx)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
