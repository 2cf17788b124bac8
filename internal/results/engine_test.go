package results

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/exportrules"
	"bilan-carbone/results-engine/internal/quality"
	"bilan-carbone/results-engine/internal/taxonomy"
)

func intPtr(v int) *int { return &v }

func ratings(r int) emissions.QualityRatings {
	return emissions.QualityRatings{
		Reliability:                  intPtr(r),
		TechnicalRepresentativeness:  intPtr(r),
		GeographicRepresentativeness: intPtr(r),
		TemporalRepresentativeness:   intPtr(r),
		Completeness:                 intPtr(r),
	}
}

func factor(totalCo2 float64, r int) *emissions.EmissionFactor {
	return &emissions.EmissionFactor{
		ID:       uuid.New(),
		TotalCo2: totalCo2,
		Gases:    emissions.GasBreakdown{Co2f: totalCo2},
		Quality:  ratings(r),
	}
}

func source(subPost emissions.SubPost, value float64, f *emissions.EmissionFactor) emissions.EmissionSource {
	return emissions.EmissionSource{
		ID:             uuid.New(),
		SubPost:        subPost,
		SiteID:         "site-1",
		Value:          value,
		Validated:      true,
		EmissionFactor: f,
	}
}

func fixtureTables(t *testing.T) Tables {
	t.Helper()

	bc, err := taxonomy.NewTaxonomy(emissions.EnvironmentBC, []taxonomy.Category{
		{Post: "Energies", SubPosts: []emissions.SubPost{"Electricite", "CombustiblesFossiles"}},
		{Post: "Fret", SubPosts: []emissions.SubPost{"FretEntrant", "FretSortant"}},
		{Post: "Deplacements", SubPosts: []emissions.SubPost{"DeplacementsProfessionnels"}},
	})
	require.NoError(t, err)
	cut, err := taxonomy.NewTaxonomy(emissions.EnvironmentCUT, []taxonomy.Category{
		{Post: "Fonctionnement", SubPosts: []emissions.SubPost{"Energie", "Equipe"}},
	})
	require.NoError(t, err)
	registry, err := taxonomy.NewRegistry(bc, cut)
	require.NoError(t, err)

	crossMap, err := taxonomy.NewCrossMap([]taxonomy.Mapping{{
		From:     emissions.EnvironmentCUT,
		To:       emissions.EnvironmentBC,
		SubPosts: map[emissions.SubPost]emissions.SubPost{"Energie": "Electricite"},
	}})
	require.NoError(t, err)

	rules, err := exportrules.NewTable(emissions.EnvironmentBC, []exportrules.Rule{
		{Export: exportrules.ExportBEGES, SubPost: "Electricite", Code: "1.a"},
		{Export: exportrules.ExportBEGES, SubPost: "CombustiblesFossiles", Code: "1.b"},
		{Export: exportrules.ExportBEGES, SubPost: "FretEntrant", Code: "2.1.a"},
		{Export: exportrules.ExportBEGES, SubPost: "FretSortant", Code: "2.2"},
	})
	require.NoError(t, err)

	return Tables{Taxonomies: registry, CrossMap: crossMap, Rules: rules}
}

func newTestEngine(t *testing.T, label LabelFunc) (*Engine, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return NewEngine(fixtureTables(t), label, zap.New(core), DefaultEngineConfig()), logs
}

func findNode(nodes []ResultNode, key string) *ResultNode {
	for i := range nodes {
		if nodes[i].Category == key {
			return &nodes[i]
		}
	}
	return nil
}

func assertSumInvariant(t *testing.T, nodes []ResultNode) {
	t.Helper()
	for _, n := range nodes {
		if len(n.Children) == 0 {
			continue
		}
		sum := 0.0
		for _, c := range n.Children {
			sum += c.Value
		}
		assert.InDelta(t, n.Value, sum, 1e-9*math.Max(1, math.Abs(n.Value)), n.Category)
		assertSumInvariant(t, n.Children)
	}
}

func TestBuildResultTree_TwoSourcesSameSubPost(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	sources := []emissions.EmissionSource{
		source("Electricite", 100, factor(1, 4)),
		source("Electricite", 300, factor(1, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{SiteID: AllSites}, emissions.EnvironmentBC)
	require.NoError(t, err)

	require.Len(t, tree, 1)
	leaf := findNode(tree[0].Children, "Electricite")
	require.NotNil(t, leaf)
	assert.InDelta(t, 400, leaf.Value, 1e-9)

	u4, _ := quality.ComputeRelativeUncertainty(ratings(4), nil)
	u3, _ := quality.ComputeRelativeUncertainty(ratings(3), nil)
	expected := math.Exp(math.Sqrt(
		math.Pow(0.25, 2)*math.Pow(math.Log(1+u4), 2) +
			math.Pow(0.75, 2)*math.Pow(math.Log(1+u3), 2),
	))
	require.NotNil(t, leaf.Uncertainty)
	assert.InDelta(t, expected, *leaf.Uncertainty, 1e-12)

	// a single child keeps the uncertainty of its only sub post
	require.NotNil(t, tree[0].Uncertainty)
	assert.InDelta(t, expected, *tree[0].Uncertainty, 1e-12)
}

func TestBuildResultTree_SourceWithoutFactor(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	sources := []emissions.EmissionSource{
		source("Electricite", 50, nil),
		source("Electricite", 200, factor(2, 4)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	leaf := findNode(tree[0].Children, "Electricite")
	require.NotNil(t, leaf)
	assert.InDelta(t, 400, leaf.Value, 1e-9)

	u4, _ := quality.ComputeRelativeUncertainty(ratings(4), nil)
	require.NotNil(t, leaf.Uncertainty)
	assert.InDelta(t, 1+u4, *leaf.Uncertainty, 1e-12, "the factorless source does not dilute the weight")
}

func TestBuildResultTree_OnlyFactorlessSourcesAreOmitted(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	tree, err := engine.BuildResultTree([]emissions.EmissionSource{source("Electricite", 50, nil)}, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	assert.Empty(t, tree)
}

func TestBuildResultTree_UnvalidatedCategoryAbsent(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	unvalidated := source("FretEntrant", 10, factor(1, 3))
	unvalidated.Validated = false
	sources := []emissions.EmissionSource{
		unvalidated,
		source("Electricite", 10, factor(1, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{ValidatedOnly: true}, emissions.EnvironmentBC)
	require.NoError(t, err)

	assert.Nil(t, findNode(tree, "Fret"))
	assert.NotNil(t, findNode(tree, "Energies"))

	tree, err = engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)
	assert.NotNil(t, findNode(tree, "Fret"))
}

func TestBuildResultTree_ZeroValueSubPostsDropped(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	sources := []emissions.EmissionSource{
		source("Electricite", 0, factor(1, 3)),
		source("CombustiblesFossiles", 10, factor(1, 3)),
		source("FretEntrant", 10, factor(0, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	require.Len(t, tree, 1)
	assert.Equal(t, "Energies", tree[0].Category)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "CombustiblesFossiles", tree[0].Children[0].Category)
	for _, n := range tree {
		for _, c := range n.Children {
			assert.NotZero(t, c.Value)
		}
	}
}

func TestBuildResultTree_SiteFilter(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	other := source("Electricite", 30, factor(1, 3))
	other.SiteID = "site-2"
	sources := []emissions.EmissionSource{source("Electricite", 10, factor(1, 3)), other}

	tree, err := engine.BuildResultTree(sources, Filters{SiteID: "site-2"}, emissions.EnvironmentBC)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.InDelta(t, 30, tree[0].Value, 1e-9)

	tree, err = engine.BuildResultTree(sources, Filters{SiteID: AllSites}, emissions.EnvironmentBC)
	require.NoError(t, err)
	assert.InDelta(t, 40, tree[0].Value, 1e-9)
}

func TestBuildResultTree_TagFilter(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	tag := uuid.New()
	tagged := source("Electricite", 10, factor(1, 3))
	tagged.Tags = []uuid.UUID{uuid.New(), tag}
	sources := []emissions.EmissionSource{tagged, source("Electricite", 30, factor(1, 3))}

	tree, err := engine.BuildResultTree(sources, Filters{TagIDs: []uuid.UUID{tag}}, emissions.EnvironmentBC)
	require.NoError(t, err)

	require.Len(t, tree, 1)
	assert.InDelta(t, 10, tree[0].Value, 1e-9)
}

func TestBuildResultTree_Depreciation(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	asset := source("Electricite", 100, factor(3, 3))
	asset.DepreciationPeriod = intPtr(4)

	tree, err := engine.BuildResultTree([]emissions.EmissionSource{asset}, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	assert.InDelta(t, 75, tree[0].Value, 1e-9)
}

func TestBuildResultTree_UnknownSubPostLoggedAndExcluded(t *testing.T) {
	engine, logs := newTestEngine(t, nil)
	sources := []emissions.EmissionSource{
		source("Inconnu", 10, factor(1, 3)),
		source("Electricite", 10, factor(1, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	require.Len(t, tree, 1)
	assert.InDelta(t, 10, tree[0].Value, 1e-9)
	assert.Equal(t, 1, logs.FilterMessage("Unknown sub post, source excluded from results").Len())
}

func TestBuildResultTree_UnknownEnvironment(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.BuildResultTree(nil, Filters{}, emissions.EnvironmentTILT)
	assert.ErrorIs(t, err, taxonomy.ErrUnknownEnvironment)
}

func TestBuildResultTree_CrossEnvironment(t *testing.T) {
	engine, logs := newTestEngine(t, nil)
	energy := source("Energie", 10, factor(1, 3))
	energy.Environment = emissions.EnvironmentCUT
	team := source("Equipe", 20, factor(1, 3))
	team.Environment = emissions.EnvironmentCUT
	native := source("Electricite", 5, factor(1, 3))
	sources := []emissions.EmissionSource{energy, team, native}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.InDelta(t, 5, tree[0].Value, 1e-9, "foreign sources excluded without consolidation")
	assert.Equal(t, 2, logs.FilterMessage("Source recorded in another environment excluded").Len())

	tree, err = engine.BuildResultTree(sources, Filters{Consolidate: true}, emissions.EnvironmentBC)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.InDelta(t, 15, tree[0].Value, 1e-9, "Energie translated, Equipe has no equivalent")
	assert.Equal(t, 1, logs.FilterMessage("No equivalent sub post in target environment").Len())
}

func TestBuildResultTree_SortedByLocalizedLabel(t *testing.T) {
	labels := map[string]string{
		"Energies":                   "Énergies",
		"Fret":                       "Fret",
		"Deplacements":               "Déplacements",
		"Electricite":                "Électricité",
		"CombustiblesFossiles":       "Combustibles fossiles",
		"FretEntrant":                "Fret entrant",
		"FretSortant":                "Fret sortant",
		"DeplacementsProfessionnels": "Déplacements professionnels",
	}
	engine, _ := newTestEngine(t, func(key string) string { return labels[key] })
	sources := []emissions.EmissionSource{
		source("FretSortant", 1, factor(1, 3)),
		source("FretEntrant", 1, factor(1, 3)),
		source("Electricite", 1, factor(1, 3)),
		source("CombustiblesFossiles", 1, factor(1, 3)),
		source("DeplacementsProfessionnels", 1, factor(1, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	keys := make([]string, len(tree))
	for i, n := range tree {
		keys[i] = n.Category
	}
	assert.Equal(t, []string{"Deplacements", "Energies", "Fret"}, keys)

	energies := findNode(tree, "Energies")
	require.NotNil(t, energies)
	assert.Equal(t, "CombustiblesFossiles", energies.Children[0].Category)
	assert.Equal(t, "Electricite", energies.Children[1].Category)
}

func TestBuildResultTree_ParentSumsChildren(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	sources := []emissions.EmissionSource{
		source("Electricite", 123.456, factor(0.0571, 2)),
		source("CombustiblesFossiles", 0.1, factor(2.68, 5)),
		source("CombustiblesFossiles", 987654.3, factor(0.227, 1)),
		source("FretEntrant", 17, factor(0.11, 4)),
		source("FretSortant", 3, factor(0.09, 3)),
		source("DeplacementsProfessionnels", 42, factor(0.19, 3)),
	}

	tree, err := engine.BuildResultTree(sources, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)

	assert.Len(t, tree, 3)
	assertSumInvariant(t, tree)
	for _, n := range tree {
		require.NotNil(t, n.Uncertainty)
		assert.GreaterOrEqual(t, *n.Uncertainty, 1.0)
	}

	total := TotalNode(tree)
	sum := 0.0
	for _, n := range tree {
		sum += n.Value
	}
	assert.InDelta(t, sum, total.Value, 1e-6)
	assert.NotNil(t, total.Uncertainty)
}

func TestComputeSourceResult(t *testing.T) {
	s := source("Electricite", 10, factor(2, 5))
	r := ComputeSourceResult(&s)

	assert.InDelta(t, 20, r.Value, 1e-12)
	require.NotNil(t, r.Uncertainty)
	assert.Equal(t, quality.BucketVeryGood, r.Bucket)

	bare := source("Electricite", 10, nil)
	r = ComputeSourceResult(&bare)
	assert.Zero(t, r.Value)
	assert.Nil(t, r.Uncertainty)
	assert.Equal(t, quality.BucketUnavailable, r.Bucket)
}

func TestNewEngine_InvalidLocaleFallsBack(t *testing.T) {
	engine := NewEngine(fixtureTables(t), nil, nil, EngineConfig{Locale: "not a locale!"})

	tree, err := engine.BuildResultTree([]emissions.EmissionSource{source("Electricite", 1, factor(1, 3))}, Filters{}, emissions.EnvironmentBC)
	require.NoError(t, err)
	assert.Len(t, tree, 1)
}
