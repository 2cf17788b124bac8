package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilan-carbone/results-engine/internal/emissions"
)

func TestNewTaxonomy_RejectsSharedSubPost(t *testing.T) {
	_, err := NewTaxonomy(emissions.EnvironmentBC, []Category{
		{Post: "Energies", SubPosts: []emissions.SubPost{"Electricite"}},
		{Post: "Fret", SubPosts: []emissions.SubPost{"Electricite"}},
	})

	assert.Error(t, err)
}

func TestNewTaxonomy_RejectsDuplicatePost(t *testing.T) {
	_, err := NewTaxonomy(emissions.EnvironmentBC, []Category{
		{Post: "Energies", SubPosts: []emissions.SubPost{"Electricite"}},
		{Post: "Energies", SubPosts: []emissions.SubPost{"ReseauxDeFroid"}},
	})

	assert.Error(t, err)
}

func TestTaxonomy_PostOf(t *testing.T) {
	tax, err := NewTaxonomy(emissions.EnvironmentBC, []Category{
		{Post: "Energies", SubPosts: []emissions.SubPost{"Electricite", "ReseauxDeFroid"}},
		{Post: "Fret", SubPosts: []emissions.SubPost{"FretEntrant"}},
	})
	require.NoError(t, err)

	post, ok := tax.PostOf("ReseauxDeFroid")
	assert.True(t, ok)
	assert.Equal(t, emissions.Post("Energies"), post)

	_, ok = tax.PostOf("Inconnu")
	assert.False(t, ok)
	assert.True(t, tax.Contains("FretEntrant"))
	assert.Equal(t, emissions.EnvironmentBC, tax.Environment())
}

func TestTaxonomy_CategoriesIsACopy(t *testing.T) {
	tax, err := NewTaxonomy(emissions.EnvironmentBC, []Category{
		{Post: "Energies", SubPosts: []emissions.SubPost{"Electricite"}},
	})
	require.NoError(t, err)

	cats := tax.Categories()
	cats[0].SubPosts[0] = "Modifie"

	assert.Equal(t, emissions.SubPost("Electricite"), tax.Categories()[0].SubPosts[0])
}

func TestRegistry_UnknownEnvironment(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	_, err = registry.Get(emissions.EnvironmentCUT)
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestDefaultRegistry(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	assert.Equal(t, []emissions.Environment{
		emissions.EnvironmentBC,
		emissions.EnvironmentCLICKSON,
		emissions.EnvironmentCUT,
		emissions.EnvironmentTILT,
	}, registry.Environments())

	bc, err := registry.Get(emissions.EnvironmentBC)
	require.NoError(t, err)
	post, ok := bc.PostOf("Electricite")
	assert.True(t, ok)
	assert.Equal(t, emissions.Post("Energies"), post)
}

func TestCrossMap_Identity(t *testing.T) {
	cm, err := NewCrossMap(nil)
	require.NoError(t, err)

	sp, ok := cm.TranslateSubcategory(emissions.EnvironmentCUT, emissions.EnvironmentCUT, "Batiment")
	assert.True(t, ok)
	assert.Equal(t, emissions.SubPost("Batiment"), sp)
}

func TestCrossMap_Translate(t *testing.T) {
	cm, err := NewCrossMap([]Mapping{{
		From:     emissions.EnvironmentCUT,
		To:       emissions.EnvironmentBC,
		SubPosts: map[emissions.SubPost]emissions.SubPost{"Batiment": "Batiments"},
	}})
	require.NoError(t, err)

	sp, ok := cm.TranslateSubcategory(emissions.EnvironmentCUT, emissions.EnvironmentBC, "Batiment")
	assert.True(t, ok)
	assert.Equal(t, emissions.SubPost("Batiments"), sp)

	_, ok = cm.TranslateSubcategory(emissions.EnvironmentCUT, emissions.EnvironmentBC, "Equipe")
	assert.False(t, ok, "missing equivalent")

	_, ok = cm.TranslateSubcategory(emissions.EnvironmentBC, emissions.EnvironmentCUT, "Batiments")
	assert.False(t, ok, "mappings are directional")
}

func TestCrossMap_RejectsInvalidMappings(t *testing.T) {
	_, err := NewCrossMap([]Mapping{{From: emissions.EnvironmentBC, To: emissions.EnvironmentBC}})
	assert.Error(t, err)

	_, err = NewCrossMap([]Mapping{
		{From: emissions.EnvironmentCUT, To: emissions.EnvironmentBC},
		{From: emissions.EnvironmentCUT, To: emissions.EnvironmentBC},
	})
	assert.Error(t, err)

	_, err = NewCrossMap([]Mapping{{
		From:     emissions.EnvironmentCUT,
		To:       emissions.EnvironmentBC,
		SubPosts: map[emissions.SubPost]emissions.SubPost{"Batiment": ""},
	}})
	assert.Error(t, err)
}

func TestDefaultCrossMap_TargetsExistInTargetTaxonomy(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	cm, err := DefaultCrossMap()
	require.NoError(t, err)

	for pair, table := range cm.mappings {
		source, err := registry.Get(pair.from)
		require.NoError(t, err)
		target, err := registry.Get(pair.to)
		require.NoError(t, err)

		for from, to := range table {
			assert.True(t, source.Contains(from), "%s -> %s: %s not in source", pair.from, pair.to, from)
			assert.True(t, target.Contains(to), "%s -> %s: %s not in target", pair.from, pair.to, to)
		}
	}

	_, ok := cm.TranslateSubcategory(emissions.EnvironmentCLICKSON, emissions.EnvironmentCUT, "RepasCantine")
	assert.False(t, ok, "unrelated environments")
}

func TestLoadRegistry_InvalidYAML(t *testing.T) {
	_, err := LoadRegistry([]byte("environments: ["))
	assert.Error(t, err)
}

func TestDefaultLabels_CoverEveryKey(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	labels, err := DefaultLabels()
	require.NoError(t, err)

	for _, env := range registry.Environments() {
		tax, err := registry.Get(env)
		require.NoError(t, err)
		for _, category := range tax.Categories() {
			assert.Contains(t, labels, string(category.Post), "%s post", env)
			for _, sp := range category.SubPosts {
				assert.Contains(t, labels, string(sp), "%s sub post", env)
			}
		}
	}

	assert.Equal(t, "Électricité", labels.Label("Electricite"))
	assert.Equal(t, "Inconnu", labels.Label("Inconnu"))
}
