package classic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/model"
)

func ch(v uint8) *uint8 { return &v }

func TestAnalyzeProtocolsFindsRFCOMM(t *testing.T) {
	recs := []model.ClassicServiceRecord{
		{UUID: "0x1105", RFCOMMChannel: ch(9)},
	}
	res := Analyze(recs)
	assert.Contains(t, res.Protocols.ProtocolsFound, "RFCOMM")
	assert.Contains(t, res.Protocols.RFCOMMChannels, uint8(9))
}

func TestInferVersionPicksHighestConfidence(t *testing.T) {
	recs := []model.ClassicServiceRecord{
		{ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x110a", Version: "3"}}},
		{ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x110b", Version: "3"}}},
		{ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x1101", Version: "1"}}},
	}
	res := Analyze(recs)
	require.Equal(t, "1.3", res.Inference.InferredVersion)
	assert.InDelta(t, 2.0/3.0, res.Inference.Confidence, 0.001)
}

func TestDetectAnomaliesMultipleVersionsAndMissingName(t *testing.T) {
	recs := []model.ClassicServiceRecord{
		{UUID: "0x1105", Name: "", ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x1101", Version: "1"}}},
		{ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x1101", Version: "2"}}},
	}
	res := Analyze(recs)

	var sawMultiVersion, sawMissingName bool
	for _, a := range res.Anomalies {
		switch a.Type {
		case "multiple_profile_versions":
			sawMultiVersion = true
		case "missing_service_name":
			sawMissingName = true
		}
	}
	assert.True(t, sawMultiVersion)
	assert.True(t, sawMissingName)
}

func TestDetectAnomaliesUnusualVersion(t *testing.T) {
	recs := []model.ClassicServiceRecord{
		{ProfileDescriptors: []model.ProfileDescriptor{{UUID: "0x1101", Version: "99"}}},
	}
	res := Analyze(recs)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "unusual_profile_version", res.Anomalies[0].Type)
}
