package scenario

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalDocumentRoundTrip(t *testing.T) {
	doc := Document{Scenarios: []Scenario{
		{
			Name: "positive-high-temp",
			Steps: []Step{
				{
					Name:    "drive-input",
					Inputs:  []Input{{Key: "input:temp", Value: 95.0}},
					DelayMs: 10,
					Expectations: []Expectation{
						{Key: "output:alert", Expected: 1.0, Validator: ValidatorNumeric, TimeoutMs: 500},
					},
				},
			},
		},
	}}

	raw, err := MarshalDocument(doc)
	require.NoError(t, err)

	decoded, err := UnmarshalDocument(raw)
	require.NoError(t, err)
	require.Len(t, decoded.Scenarios, 1)
	require.Equal(t, "positive-high-temp", decoded.Scenarios[0].Name)
	require.Equal(t, ValidatorNumeric, decoded.Scenarios[0].Steps[0].Expectations[0].Validator)
}

func TestMarshalResults(t *testing.T) {
	doc := ResultDocument{Results: []Result{
		{Name: "positive-high-temp", Success: true, DurationMs: 42},
	}}

	raw, err := MarshalResults(doc)
	require.NoError(t, err)
	require.Contains(t, string(raw), "positive-high-temp")
}
