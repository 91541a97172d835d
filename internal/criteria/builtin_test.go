package criteria

import (
	"context"
	"math"
	"testing"

	"canopy/internal/domain"
)

func mangroveSubmission() *domain.Submission {
	return &domain.Submission{
		ProjectID:       "proj-1",
		EcosystemType:   "mangrove",
		Standard:        "community_forest",
		AreaHectares:    10,
		Latitude:        -6.2,
		Longitude:       106.8,
		DeclaredTrees:   10000,
		DeclaredCarbonT: 280,
		ProjectDuration: "8760h",
		Species:         []string{"Rhizophora mucronata", "Avicennia marina"},
		Documents: []string{
			"land_tenure", "planting_plan", "species_inventory",
			"monitoring_plan", "baseline_assessment",
		},
		Evidence: map[string]any{
			"observed_latitude":      -6.2,
			"observed_longitude":     106.8,
			"surveyed_trees":         float64(8000),
			"surveyed_area_hectares": 10.0,
		},
	}
}

func TestRegistryRegistersBuiltins(t *testing.T) {
	reg := Builtin()
	want := []string{
		"location_accuracy", "carbon_calculation_validity", "survival_rate_threshold",
		"documentation_completeness", "species_suitability", "field_data_consistency",
	}
	for _, id := range want {
		if _, ok := reg.Get(id); !ok {
			t.Fatalf("builtin %s not registered", id)
		}
	}
	if _, ok := reg.Get("made_up"); ok {
		t.Fatalf("unexpected criterion resolved")
	}
	if err := reg.Register(locationAccuracy{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestLocationAccuracy(t *testing.T) {
	c := locationAccuracy{}
	sub := mangroveSubmission()
	res, err := c.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Passed || res.Score < 0.99 {
		t.Fatalf("exact match should score ~1, got %+v", res)
	}

	// ~2.2km east at the equator-ish latitude
	sub.Evidence["observed_longitude"] = 106.82
	res, _ = c.Evaluate(context.Background(), sub)
	if res.Score >= 0.99 || res.Score <= 0 {
		t.Fatalf("drifted observation should lose score, got %v", res.Score)
	}

	delete(sub.Evidence, "observed_latitude")
	res, _ = c.Evaluate(context.Background(), sub)
	if res.Passed || res.Score != 0 {
		t.Fatalf("missing coordinates should fail, got %+v", res)
	}
}

func TestLocationAccuracyUsesRevisions(t *testing.T) {
	c := locationAccuracy{}
	sub := mangroveSubmission()
	sub.Evidence["observed_latitude"] = -7.0 // wildly off
	sub.Revisions = []domain.EvidenceRevision{{
		ActorID:  "owner",
		Evidence: map[string]any{"observed_latitude": -6.2},
	}}
	res, _ := c.Evaluate(context.Background(), sub)
	if !res.Passed {
		t.Fatalf("revision should supersede original evidence, got %+v", res)
	}
}

func TestCarbonCalculationValidity(t *testing.T) {
	c := carbonCalculationValidity{}
	// 10000 trees * 0.028 t/tree/yr * 1yr = 280t expected, declared 280t
	res, err := c.Evaluate(context.Background(), mangroveSubmission())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Passed || res.Score < 0.99 {
		t.Fatalf("exact declaration should score ~1, got %+v", res)
	}

	inflated := mangroveSubmission()
	inflated.DeclaredCarbonT = 280 * 3
	res, _ = c.Evaluate(context.Background(), inflated)
	if res.Passed {
		t.Fatalf("3x over-declaration should fail, got %+v", res)
	}

	unknown := mangroveSubmission()
	unknown.EcosystemType = "tundra"
	res, _ = c.Evaluate(context.Background(), unknown)
	if res.Passed || res.Score != 0 {
		t.Fatalf("unknown ecosystem should fail, got %+v", res)
	}
}

func TestSurvivalRateThreshold(t *testing.T) {
	c := survivalRateThreshold{}
	res, _ := c.Evaluate(context.Background(), mangroveSubmission())
	if !res.Passed || math.Abs(res.Score-0.8) > 1e-9 {
		t.Fatalf("8000/10000 should pass at 0.8, got %+v", res)
	}

	lossy := mangroveSubmission()
	lossy.Evidence["surveyed_trees"] = float64(5000)
	res, _ = c.Evaluate(context.Background(), lossy)
	if res.Passed {
		t.Fatalf("50%% survival should fail, got %+v", res)
	}

	blind := mangroveSubmission()
	delete(blind.Evidence, "surveyed_trees")
	res, _ = c.Evaluate(context.Background(), blind)
	if res.Passed || res.Score != 0 {
		t.Fatalf("missing survey should fail, got %+v", res)
	}
}

func TestDocumentationCompleteness(t *testing.T) {
	c := documentationCompleteness{}
	res, _ := c.Evaluate(context.Background(), mangroveSubmission())
	if !res.Passed || res.Score != 1 {
		t.Fatalf("full document set should score 1, got %+v", res)
	}

	partial := mangroveSubmission()
	partial.Documents = []string{"Land_Tenure", "planting_plan "}
	res, _ = c.Evaluate(context.Background(), partial)
	if math.Abs(res.Score-0.4) > 1e-9 {
		t.Fatalf("2/5 documents should score 0.4 (case/space tolerant), got %+v", res)
	}
	if res.Passed {
		t.Fatalf("2/5 documents should not pass")
	}
	if res.Evidence["missing"] == nil {
		t.Fatalf("expected missing document list in evidence")
	}
}

func TestSpeciesSuitability(t *testing.T) {
	c := speciesSuitability{}
	res, _ := c.Evaluate(context.Background(), mangroveSubmission())
	if !res.Passed || res.Score != 1 {
		t.Fatalf("mangrove genera should score 1, got %+v", res)
	}

	mixed := mangroveSubmission()
	mixed.Species = []string{"Rhizophora mucronata", "Pinus sylvestris"}
	res, _ = c.Evaluate(context.Background(), mixed)
	if res.Score != 0.5 {
		t.Fatalf("half-suitable set should score 0.5, got %+v", res)
	}

	empty := mangroveSubmission()
	empty.Species = nil
	res, _ = c.Evaluate(context.Background(), empty)
	if res.Passed || res.Score != 0 {
		t.Fatalf("no species declared should fail, got %+v", res)
	}
}

func TestFieldDataConsistency(t *testing.T) {
	c := fieldDataConsistency{}
	res, _ := c.Evaluate(context.Background(), mangroveSubmission())
	if !res.Passed {
		t.Fatalf("consistent measurements should pass, got %+v", res)
	}
	if res.Evidence["stems_per_hectare"] != float64(800) {
		t.Fatalf("expected density 800 stems/ha, got %v", res.Evidence["stems_per_hectare"])
	}

	sparse := mangroveSubmission()
	sparse.Evidence["surveyed_trees"] = float64(100)
	sparse.Evidence["surveyed_area_hectares"] = 20.0 // double the declared area
	res, _ = c.Evaluate(context.Background(), sparse)
	if res.Passed {
		t.Fatalf("inconsistent measurements should fail, got %+v", res)
	}

	blind := mangroveSubmission()
	blind.Evidence = nil
	res, _ = c.Evaluate(context.Background(), blind)
	if res.Passed || res.Score != 0 {
		t.Fatalf("no measurements should fail, got %+v", res)
	}
}
