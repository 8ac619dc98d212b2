package classic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mauddib28/bleep-tool/internal/model"
)

// profileVersionMap holds known (profile UUID -> profile version ->
// Core Spec version) hints, used both to infer a likely spec version and
// to flag versions outside the known range.
var profileVersionMap = map[string]map[string]string{
	"0x1101": {"1": "1.1", "2": "1.2"},                  // Serial Port Profile
	"0x1105": {"1": "1.1", "2": "1.2"},                  // OBEX Object Push
	"0x112f": {"1": "1.1", "2": "1.2"},                  // Phonebook Access
	"0x110a": {"1": "1.0", "2": "1.2", "3": "1.3"},       // A2DP Source
	"0x110b": {"1": "1.0", "2": "1.2", "3": "1.3"},       // A2DP Sink
	"0x111e": {"1": "1.0", "2": "1.5", "3": "1.6"},       // Hands-Free
}

func mapProfileVersionToSpec(uuid, version string) string {
	if m, ok := profileVersionMap[strings.ToLower(uuid)]; ok {
		if spec, ok := m[version]; ok {
			return spec
		}
	}
	return ""
}

// ProtocolAnalysis is the protocol-usage breakdown over one device's
// classic service records.
type ProtocolAnalysis struct {
	ProtocolsFound []string
	RFCOMMChannels []uint8
}

// VersionInference is the inferred Bluetooth Core Specification version
// with its supporting evidence. Raw profile versions are preserved in
// Evidence so downstream consumers can reinterpret them.
type VersionInference struct {
	InferredVersion string
	Confidence      float64
	Evidence        map[string][]string
	ConfidenceByVer map[string]float64
}

// Anomaly is one detected SDP inconsistency.
type Anomaly struct {
	Type        string
	Severity    string // low | medium | high
	Description string
	UUID        string
}

// AnalysisResult is the combined output of SDP analysis: protocol set,
// profile-version histogram, inferred spec version with confidence, and
// the anomaly list.
type AnalysisResult struct {
	Protocols        ProtocolAnalysis
	VersionHistogram map[string]int
	Inference        VersionInference
	Anomalies        []Anomaly
}

// Analyze runs every SDP heuristic over a set of previously discovered
// classic service records.
func Analyze(records []model.ClassicServiceRecord) AnalysisResult {
	return AnalysisResult{
		Protocols:        analyzeProtocols(records),
		VersionHistogram: versionHistogram(records),
		Inference:        inferVersion(records),
		Anomalies:        detectAnomalies(records),
	}
}

func analyzeProtocols(records []model.ClassicServiceRecord) ProtocolAnalysis {
	found := map[string]bool{}
	var channels []uint8
	for _, rec := range records {
		if rec.RFCOMMChannel != nil {
			found["RFCOMM"] = true
			channels = append(channels, *rec.RFCOMMChannel)
		}
		if rec.UUID != "" {
			found["L2CAP"] = true // every SDP record implies an L2CAP-reachable server
		}
	}
	out := ProtocolAnalysis{RFCOMMChannels: channels}
	for p := range found {
		out.ProtocolsFound = append(out.ProtocolsFound, p)
	}
	sort.Strings(out.ProtocolsFound)
	return out
}

func versionHistogram(records []model.ClassicServiceRecord) map[string]int {
	hist := map[string]int{}
	for _, rec := range records {
		for _, pd := range rec.ProfileDescriptors {
			if hint := mapProfileVersionToSpec(pd.UUID, pd.Version); hint != "" {
				hist[hint]++
			}
		}
	}
	return hist
}

func inferVersion(records []model.ClassicServiceRecord) VersionInference {
	evidence := map[string][]string{}
	for _, rec := range records {
		for _, pd := range rec.ProfileDescriptors {
			if pd.UUID == "" || pd.Version == "" {
				continue
			}
			if hint := mapProfileVersionToSpec(pd.UUID, pd.Version); hint != "" {
				evidence[hint] = append(evidence[hint], fmt.Sprintf("%s:v%s", pd.UUID, pd.Version))
			}
		}
	}

	total := 0
	for _, ev := range evidence {
		total += len(ev)
	}

	scores := map[string]float64{}
	best, bestScore := "", 0.0
	vers := make([]string, 0, len(evidence))
	for v := range evidence {
		vers = append(vers, v)
	}
	sort.Strings(vers)
	for _, v := range vers {
		if total == 0 {
			continue
		}
		score := float64(len(evidence[v])) / float64(total)
		scores[v] = score
		if score > bestScore {
			best, bestScore = v, score
		}
	}

	return VersionInference{
		InferredVersion: best,
		Confidence:      bestScore,
		Evidence:        evidence,
		ConfidenceByVer: scores,
	}
}

func detectAnomalies(records []model.ClassicServiceRecord) []Anomaly {
	var anomalies []Anomaly

	versionsByProfile := map[string]map[string]bool{}
	for _, rec := range records {
		for _, pd := range rec.ProfileDescriptors {
			if pd.UUID == "" || pd.Version == "" {
				continue
			}
			if versionsByProfile[pd.UUID] == nil {
				versionsByProfile[pd.UUID] = map[string]bool{}
			}
			versionsByProfile[pd.UUID][pd.Version] = true
		}
	}
	profiles := make([]string, 0, len(versionsByProfile))
	for p := range versionsByProfile {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)
	for _, uuid := range profiles {
		if len(versionsByProfile[uuid]) > 1 {
			vers := make([]string, 0, len(versionsByProfile[uuid]))
			for v := range versionsByProfile[uuid] {
				vers = append(vers, v)
			}
			sort.Strings(vers)
			anomalies = append(anomalies, Anomaly{
				Type:        "multiple_profile_versions",
				Severity:    "medium",
				Description: fmt.Sprintf("profile %s advertises multiple versions: %v", uuid, vers),
				UUID:        uuid,
			})
		}
	}

	for _, rec := range records {
		for _, pd := range rec.ProfileDescriptors {
			if pd.UUID == "" || pd.Version == "" {
				continue
			}
			known, ok := profileVersionMap[strings.ToLower(pd.UUID)]
			if !ok {
				continue
			}
			if _, ok := known[pd.Version]; !ok {
				anomalies = append(anomalies, Anomaly{
					Type:        "unusual_profile_version",
					Severity:    "low",
					Description: fmt.Sprintf("profile %s has unusual version %s", pd.UUID, pd.Version),
					UUID:        pd.UUID,
				})
			}
		}
	}

	for _, rec := range records {
		if rec.UUID != "" && rec.Name == "" {
			anomalies = append(anomalies, Anomaly{
				Type:        "missing_service_name",
				Severity:    "low",
				Description: fmt.Sprintf("service %s missing a human-readable name", rec.UUID),
				UUID:        rec.UUID,
			})
		}
	}

	return anomalies
}
