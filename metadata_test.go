package creditledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
)

func TestMetadata_RoundTrip(t *testing.T) {
	values := []cl.Metadata{
		cl.ReportMetadata{ReportID: "r-1", ProcessCount: 12},
		cl.AnalysisMetadata{AnalysisID: "a-1", ProcessNumber: "0001234-56.2024"},
		cl.ScheduledMetadata{HoldID: "h-1", ReportID: "r-2"},
		cl.GrantMetadata{Plan: "pro"},
		cl.AdjustmentMetadata{Actor: "ops@example.com", Note: "goodwill"},
		cl.RefundMetadata{
			RelatedDebits: []string{"tx-1", "tx-2"},
			Reason:        "generation failed",
			Context:       cl.ReportMetadata{ReportID: "r-1", ProcessCount: 12},
		},
		cl.RefundMetadata{RelatedDebits: []string{"tx-3"}},
	}
	for _, m := range values {
		t.Run(string(m.Kind()), func(t *testing.T) {
			raw, err := cl.EncodeMetadata(m)
			require.NoError(t, err)
			got, err := cl.DecodeMetadata(raw)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestMetadata_Nil(t *testing.T) {
	raw, err := cl.EncodeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	for _, in := range []string{"", "  ", "null"} {
		m, err := cl.DecodeMetadata([]byte(in))
		require.NoError(t, err)
		assert.Nil(t, m)
	}
}

func TestMetadata_DecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown kind", `{"kind":"invoice","data":{}}`},
		{"unknown field", `{"kind":"report","data":{"report_id":"r-1","color":"red"}}`},
		{"unknown envelope field", `{"kind":"report","data":{"report_id":"r-1"},"v":2}`},
		{"fails validation", `{"kind":"report","data":{"process_count":3}}`},
		{"nested refund", `{"kind":"refund","data":{"related_debits":["a"],"context":{"kind":"refund","data":{"related_debits":["b"]}}}}`},
		{"not json", `report:r-1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cl.DecodeMetadata([]byte(tt.raw))
			assert.ErrorIs(t, err, cl.ErrInvalidMetadata)
		})
	}
}

func TestMetadata_Validate(t *testing.T) {
	tests := []struct {
		name string
		m    cl.Metadata
	}{
		{"report without id", cl.ReportMetadata{ProcessCount: 1}},
		{"negative process count", cl.ReportMetadata{ReportID: "r", ProcessCount: -1}},
		{"analysis without id", cl.AnalysisMetadata{}},
		{"scheduled without report", cl.ScheduledMetadata{HoldID: "h"}},
		{"adjustment without actor", cl.AdjustmentMetadata{Note: "x"}},
		{"refund without debits", cl.RefundMetadata{Reason: "x"}},
		{"refund of refund", cl.RefundMetadata{RelatedDebits: []string{"a"}, Context: cl.RefundMetadata{RelatedDebits: []string{"b"}}}},
		{"refund with bad context", cl.RefundMetadata{RelatedDebits: []string{"a"}, Context: cl.AnalysisMetadata{}}},
		{"refund with pointer context", cl.RefundMetadata{RelatedDebits: []string{"a"}, Context: &cl.AnalysisMetadata{AnalysisID: "x"}}},
		{"refund with nil pointer context", cl.RefundMetadata{RelatedDebits: []string{"a"}, Context: (*cl.ReportMetadata)(nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.m.Validate(), cl.ErrInvalidMetadata)
			_, err := cl.EncodeMetadata(tt.m)
			assert.ErrorIs(t, err, cl.ErrInvalidMetadata)
		})
	}
}

func TestEncodeMetadata_RejectsPointers(t *testing.T) {
	for _, m := range []cl.Metadata{
		&cl.ReportMetadata{ReportID: "r-1"},
		(*cl.ReportMetadata)(nil),
		&cl.GrantMetadata{},
		(*cl.RefundMetadata)(nil),
	} {
		_, err := cl.EncodeMetadata(m)
		assert.ErrorIs(t, err, cl.ErrInvalidMetadata, "%T", m)
	}
}
