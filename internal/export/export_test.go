package export

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleTable() Table {
	return Table{
		Columns: []Column{
			{Name: "campaign_id", Kind: KindInteger},
			{Name: "campaign_name", Kind: KindText},
			{Name: "impressions", Kind: KindInteger},
			{Name: "ctr", Kind: KindDecimal},
		},
		Rows: [][]interface{}{
			{int64(1), "Spring, Sale", int64(3000), 150.0 / 3000},
			{int64(2), nil, int64(300), 20.0 / 300},
		},
	}
}

func TestEncodeCSV(t *testing.T) {
	b, err := EncodeCSV(sampleTable())
	require.NoError(t, err)
	want := "campaign_id,campaign_name,impressions,ctr\n" +
		"1,\"Spring, Sale\",3000,0.05\n" +
		"2,,300,0.0667\n"
	assert.Equal(t, want, string(b))
}

func TestEncodeJSON_KeepsColumnOrder(t *testing.T) {
	b, err := EncodeJSON(sampleTable())
	require.NoError(t, err)

	compact := new(bytes.Buffer)
	require.NoError(t, json.Compact(compact, b))
	assert.Equal(t,
		`[{"campaign_id":1,"campaign_name":"Spring, Sale","impressions":3000,"ctr":0.05},`+
			`{"campaign_id":2,"campaign_name":null,"impressions":300,"ctr":0.0667}]`,
		compact.String())
}

func TestEncodeJSON_Empty(t *testing.T) {
	b, err := EncodeJSON(Table{Columns: []Column{{Name: "clicks", Kind: KindInteger}}})
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(b))
}

func TestEncodeExcel(t *testing.T) {
	b, err := EncodeExcel(sampleTable())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"campaign_id", "campaign_name", "impressions", "ctr"}, rows[0])
	assert.Equal(t, "Spring, Sale", rows[1][1])
	assert.Equal(t, "0.0667", rows[2][3])
}

func TestRound(t *testing.T) {
	assert.Equal(t, "0.0667", Round(20.0/300).String())
	assert.Equal(t, "0.1235", Round(0.12345).String())
	assert.Equal(t, "3000", Round(3000).String())
	assert.Equal(t, "0", Round(math.NaN()).String())
	assert.Equal(t, "0", Round(math.Inf(1)).String())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := sampleTable()
	b, err := MarshalEnvelope(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"columns":[{"name":"campaign_id","kind":"integer"}`)

	out, err := UnmarshalEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, in.Columns, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, int64(1), out.Rows[0][0])
	assert.Nil(t, out.Rows[1][1])
	assert.Equal(t, int64(300), out.Rows[1][2])
	assert.Equal(t, 0.0667, out.Rows[1][3])
}

func TestUnmarshalEnvelope_RejectsRaggedRows(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"columns":[{"name":"a","kind":"text"}],"rows":[["x","y"]]}`))
	assert.Error(t, err)
}

func TestFormats(t *testing.T) {
	tests := []struct {
		in          string
		want        Format
		ext         string
		contentType string
	}{
		{"", CSV, "csv", "text/csv"},
		{"CSV", CSV, "csv", "text/csv"},
		{"excel", Excel, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"xlsx", Excel, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"json", JSON, "json", "application/json"},
	}
	for _, tt := range tests {
		f, err := ParseFormat(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, f)
		assert.Equal(t, tt.ext, f.Extension())
		assert.Equal(t, tt.contentType, f.ContentType())
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	res, err := Render(sampleTable(), JSON, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "report_abc-123.json", res.Filename)
	assert.Equal(t, "application/json", res.ContentType)
	assert.NotEmpty(t, res.Data)
}

func TestResultKey(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "reports/j1/campaign_20240102_150405.json", ResultKey("j1", "campaign", at))
	assert.Equal(t, "creative_20240102_150405.csv", FileName("creative", at, "csv"))
}
