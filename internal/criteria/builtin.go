package criteria

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"canopy/internal/domain"
)

// hoursPerYear converts declared project durations to years for the
// carbon model.
const hoursPerYear = 8760

func result(id string, passed bool, score, confidence float64, evidence map[string]any) (domain.CriterionResult, error) {
	return domain.CriterionResult{
		Criterion:   id,
		Passed:      passed,
		Score:       clamp01(score),
		Confidence:  clamp01(confidence),
		Evidence:    evidence,
		EvaluatorID: "builtin/" + id,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// number reads a numeric evidence value, tolerating the types json
// decoding produces.
func number(evidence map[string]any, key string) (float64, bool) {
	v, ok := evidence[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// locationAccuracy compares the declared coordinates against the field
// observation. Score falls off linearly over 5 km of drift.
type locationAccuracy struct{}

func (locationAccuracy) ID() string { return "location_accuracy" }

func (c locationAccuracy) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	ev := sub.MergedEvidence()
	lat, okLat := number(ev, "observed_latitude")
	lon, okLon := number(ev, "observed_longitude")
	if !okLat || !okLon {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "no field coordinates in evidence"})
	}
	km := haversineKm(sub.Latitude, sub.Longitude, lat, lon)
	score := 1 - km/5.0
	return result(c.ID(), score >= 0.5, score, 0.85, map[string]any{
		"declared": []float64{sub.Latitude, sub.Longitude},
		"observed": []float64{lat, lon},
		"drift_km": math.Round(km*1000) / 1000,
	})
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// carbonCalculationValidity checks the declared sequestration total
// against a per-ecosystem per-tree yearly rate.
type carbonCalculationValidity struct{}

// tonnes CO2e per tree per year, conservative registry defaults
var sequestrationRate = map[string]float64{
	"reforestation": 0.022,
	"mangrove":      0.028,
	"wetland":       0.018,
	"agroforestry":  0.015,
}

func (carbonCalculationValidity) ID() string { return "carbon_calculation_validity" }

func (c carbonCalculationValidity) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	rate, ok := sequestrationRate[sub.EcosystemType]
	if !ok {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "unknown ecosystem type " + sub.EcosystemType})
	}
	years := 1.0
	if sub.ProjectDuration != "" {
		d, err := time.ParseDuration(sub.ProjectDuration)
		if err != nil {
			return result(c.ID(), false, 0, 0, map[string]any{"error": "unparseable project_duration"})
		}
		years = d.Hours() / hoursPerYear
	}
	expected := float64(sub.DeclaredTrees) * rate * years
	if expected <= 0 {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "no expected sequestration for declaration"})
	}
	ratio := sub.DeclaredCarbonT / expected
	score := 1 - math.Abs(1-ratio)
	return result(c.ID(), ratio >= 0.5 && ratio <= 1.5, score, 0.75, map[string]any{
		"expected_tonnes": math.Round(expected*100) / 100,
		"declared_tonnes": sub.DeclaredCarbonT,
		"ratio":           math.Round(ratio*1000) / 1000,
	})
}

// survivalRateThreshold scores the surveyed live count against the
// declared planting count. 70% survival is the pass bar.
type survivalRateThreshold struct{}

func (survivalRateThreshold) ID() string { return "survival_rate_threshold" }

func (c survivalRateThreshold) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	ev := sub.MergedEvidence()
	surveyed, ok := number(ev, "surveyed_trees")
	if !ok {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "no surveyed_trees in evidence"})
	}
	if sub.DeclaredTrees <= 0 {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "declared tree count is zero"})
	}
	rate := clamp01(surveyed / float64(sub.DeclaredTrees))
	return result(c.ID(), rate >= 0.70, rate, 0.80, map[string]any{
		"surveyed_trees": surveyed,
		"declared_trees": sub.DeclaredTrees,
		"survival_rate":  math.Round(rate*1000) / 1000,
	})
}

// documentationCompleteness checks the declared document set against the
// registry baseline.
type documentationCompleteness struct{}

var requiredDocuments = []string{
	"land_tenure",
	"planting_plan",
	"species_inventory",
	"monitoring_plan",
	"baseline_assessment",
}

func (documentationCompleteness) ID() string { return "documentation_completeness" }

func (c documentationCompleteness) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	present := map[string]bool{}
	for _, doc := range sub.Documents {
		present[strings.ToLower(strings.TrimSpace(doc))] = true
	}
	var have int
	var missing []string
	for _, req := range requiredDocuments {
		if present[req] {
			have++
		} else {
			missing = append(missing, req)
		}
	}
	score := float64(have) / float64(len(requiredDocuments))
	evidence := map[string]any{"required": len(requiredDocuments), "present": have}
	if len(missing) > 0 {
		evidence["missing"] = missing
	}
	return result(c.ID(), score >= 0.8, score, 0.95, evidence)
}

// speciesSuitability checks declared species against per-ecosystem
// suitability lists.
type speciesSuitability struct{}

var suitableSpecies = map[string][]string{
	"mangrove":      {"rhizophora", "avicennia", "sonneratia", "bruguiera", "ceriops"},
	"reforestation": {"quercus", "pinus", "acer", "fagus", "betula", "tectona", "swietenia"},
	"wetland":       {"typha", "phragmites", "salix", "taxodium", "carex"},
	"agroforestry":  {"coffea", "theobroma", "inga", "gliricidia", "leucaena"},
}

func (speciesSuitability) ID() string { return "species_suitability" }

func (c speciesSuitability) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	list, ok := suitableSpecies[sub.EcosystemType]
	if !ok {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "unknown ecosystem type " + sub.EcosystemType})
	}
	if len(sub.Species) == 0 {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "no species declared"})
	}
	var suitable int
	var unsuitable []string
	for _, sp := range sub.Species {
		genus := strings.ToLower(strings.Fields(strings.TrimSpace(sp))[0])
		found := false
		for _, s := range list {
			if genus == s {
				found = true
				break
			}
		}
		if found {
			suitable++
		} else {
			unsuitable = append(unsuitable, sp)
		}
	}
	score := float64(suitable) / float64(len(sub.Species))
	evidence := map[string]any{"declared": len(sub.Species), "suitable": suitable}
	if len(unsuitable) > 0 {
		evidence["unsuitable"] = unsuitable
	}
	return result(c.ID(), score >= 0.75, score, 0.70, evidence)
}

// fieldDataConsistency cross-checks field measurements against the
// declaration: surveyed area vs declared area and stem density bounds.
type fieldDataConsistency struct{}

func (fieldDataConsistency) ID() string { return "field_data_consistency" }

func (c fieldDataConsistency) Evaluate(_ context.Context, sub *domain.Submission) (domain.CriterionResult, error) {
	ev := sub.MergedEvidence()
	var scores []float64
	evidence := map[string]any{}

	if area, ok := number(ev, "surveyed_area_hectares"); ok && sub.AreaHectares > 0 {
		ratio := area / sub.AreaHectares
		scores = append(scores, clamp01(1-math.Abs(1-ratio)/0.15*0.5))
		evidence["area_ratio"] = math.Round(ratio*1000) / 1000
	}
	if trees, ok := number(ev, "surveyed_trees"); ok {
		area, okArea := number(ev, "surveyed_area_hectares")
		if !okArea {
			area = sub.AreaHectares
		}
		if area > 0 {
			density := trees / area
			evidence["stems_per_hectare"] = math.Round(density)
			switch {
			case density >= 200 && density <= 10000:
				scores = append(scores, 1)
			case density > 0:
				scores = append(scores, 0.3)
			default:
				scores = append(scores, 0)
			}
		}
	}
	if len(scores) == 0 {
		return result(c.ID(), false, 0, 0, map[string]any{"error": "no field measurements in evidence"})
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	score := sum / float64(len(scores))
	return result(c.ID(), score >= 0.6, score, 0.65, evidence)
}
