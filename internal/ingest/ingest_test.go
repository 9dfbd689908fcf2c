package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/store"
)

const zillowCSV = `zpid,address,latitude,longitude,price,bedrooms,homeType,zipcode
2077,"123 Main Street, Hoboken, NJ",40.0,-74.0,500000,3,SINGLE_FAMILY,07030
2078,9 Elm Avenue,,,call for price,2,CONDO,07030
,no id here,,,1,1,CONDO,
2079,,,,1,1,CONDO,
`

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := events.NewRecorder()

	res, err := NewImporter(st, rec).ImportCSV(ctx, strings.NewReader(zillowCSV), listing.SourceZillow, "nj")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Errors)
	assert.Len(t, rec.OfKind(events.KindImportError), 2)
	require.Len(t, rec.OfKind(events.KindImported), 1)

	pools, err := st.LoadSources(ctx, "nj")
	require.NoError(t, err)
	recs := pools[listing.SourceZillow]
	require.Len(t, recs, 2)

	byID := map[string]listing.SourceRecord{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	main := byID["2077"]
	assert.Equal(t, "123 Main Street, Hoboken, NJ", main.Address)
	require.True(t, main.HasCoordinates())
	assert.Equal(t, 40.0, *main.Latitude)
	assert.Equal(t, 500000.0, main.Attributes["price"])
	assert.Equal(t, "SINGLE_FAMILY", main.Attributes["homeType"])
	assert.Equal(t, "07030", main.Attributes["zipcode"])
	assert.NotContains(t, main.Attributes, "zpid")

	elm := byID["2078"]
	assert.False(t, elm.HasCoordinates())
	assert.Equal(t, "call for price", elm.Attributes["price"])
}

func TestImportJSONL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	input := `{"property_id":"c1","street":"123 Main St","list_price":520000,"beds":3,"state":"nj"}
{"property_id":"c2","address":"1 Broadway","lat":40.7,"lng":-74.01,"updated_at":"2026-05-30T10:00:00Z"}
`
	res, err := NewImporter(st, nil).WithBatchSize(1).ImportJSONL(ctx, strings.NewReader(input), listing.SourceRealtor, "")
	require.NoError(t, err)
	assert.Equal(t, Result{Imported: 2}, res)

	pools, err := st.LoadSources(ctx, "")
	require.NoError(t, err)
	recs := pools[listing.SourceRealtor]
	require.Len(t, recs, 2)

	byID := map[string]listing.SourceRecord{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	c1 := byID["c1"]
	assert.Equal(t, "123 Main St", c1.Street)
	assert.Equal(t, "123 Main St", c1.Address)
	assert.Equal(t, "nj", c1.Region)
	assert.Equal(t, 520000.0, c1.Attributes["list_price"])

	c2 := byID["c2"]
	require.True(t, c2.HasCoordinates())
	assert.Equal(t, -74.01, *c2.Longitude)
	assert.Equal(t, 2026, c2.UpdatedAt.Year())
}

func TestToRecordPrefersEarlierAlias(t *testing.T) {
	fields := map[string]any{
		"zpid":      "z-2",
		"id":        "z-1",
		"lat":       41.0,
		"latitude":  40.0,
		"longitude": -74.0,
		"address":   "1 A St",
		"price":     100.0,
	}
	for i := 0; i < 20; i++ {
		rec, err := toRecord(listing.SourceZillow, fields, "")
		require.NoError(t, err)
		assert.Equal(t, "z-1", rec.ID)
		assert.Equal(t, 40.0, *rec.Latitude)
		// losing aliases are consumed, not kept as attributes
		assert.Equal(t, map[string]any{"price": 100.0}, rec.Attributes)
	}
}

func TestToRecordCaseVariantsAreStable(t *testing.T) {
	fields := map[string]any{"ID": "upper", "id": "lower", "address": "1 A St"}
	for i := 0; i < 20; i++ {
		rec, err := toRecord(listing.SourceRedfin, fields, "")
		require.NoError(t, err)
		assert.Equal(t, "upper", rec.ID)
	}
}

func TestImportJSONLRejectsNonTextAddress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := events.NewRecorder()
	input := `{"id":"r1","address":12345}
{"id":"r2","address":" , "}
{"id":"r3","address":42,"street":"7 Pine Ct"}
`
	res, err := NewImporter(st, rec).ImportJSONL(ctx, strings.NewReader(input), listing.SourceRedfin, "")
	require.NoError(t, err)
	assert.Equal(t, Result{Imported: 1, Errors: 2}, res)
	assert.Len(t, rec.OfKind(events.KindImportError), 2)

	pools, err := st.LoadSources(ctx, "")
	require.NoError(t, err)
	require.Len(t, pools[listing.SourceRedfin], 1)
	got := pools[listing.SourceRedfin][0]
	assert.Equal(t, "r3", got.ID)
	assert.Equal(t, "7 Pine Ct", got.Address)
}

func TestImportJSONLStopsOnSyntaxError(t *testing.T) {
	st := store.NewMemory()
	input := `{"id":"r1","address":"1 A St"}
{"id":
`
	res, err := NewImporter(st, nil).ImportJSONL(context.Background(), strings.NewReader(input), listing.SourceRedfin, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Errors)
}

func TestImportFileByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "redfin.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("listing_id,address\nr1,1 A St\n"), 0o644))
	txtPath := filepath.Join(dir, "redfin.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("x"), 0o644))

	im := NewImporter(store.NewMemory(), nil)
	res, err := im.ImportFile(context.Background(), csvPath, listing.SourceRedfin, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	_, err = im.ImportFile(context.Background(), txtPath, listing.SourceRedfin, "")
	assert.Error(t, err)

	_, err = im.ImportFile(context.Background(), filepath.Join(dir, "missing.csv"), listing.SourceRedfin, "")
	assert.Error(t, err)
}

func TestImportSurfacesStoreFailure(t *testing.T) {
	st := store.NewMemory()
	st.FailNextWrite(assert.AnError)

	_, err := NewImporter(st, nil).ImportCSV(context.Background(),
		strings.NewReader("id,address\nz1,1 A St\n"), listing.SourceZillow, "")
	assert.ErrorIs(t, err, assert.AnError)
}
