package results

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/exportrules"
	"bilan-carbone/results-engine/internal/taxonomy"
)

// AllSites disables the site filter
const AllSites = "all"

// LabelFunc returns the display label of a post or sub post key
type LabelFunc func(key string) string

// Tables are the static lookup data of the engine, loaded once per process
type Tables struct {
	Taxonomies *taxonomy.Registry
	CrossMap   *taxonomy.CrossMap
	Rules      *exportrules.Table
}

// EngineConfig configures the engine
type EngineConfig struct {
	// Locale drives the collation used to order nodes by label
	Locale string `json:"locale"`
}

// DefaultEngineConfig returns default configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Locale: "fr",
	}
}

// Filters select the sources taking part in an aggregation
type Filters struct {
	ValidatedOnly bool        `json:"validated_only"`
	SiteID        string      `json:"site_id"`
	TagIDs        []uuid.UUID `json:"tag_ids,omitempty"`

	// Consolidate translates sources recorded in another environment
	// into the requested one instead of dropping them
	Consolidate bool `json:"consolidate"`
}

// Matches reports whether a source passes the filters
func (f Filters) Matches(s *emissions.EmissionSource) bool {
	if f.SiteID != "" && f.SiteID != AllSites && s.SiteID != f.SiteID {
		return false
	}
	if f.ValidatedOnly && !s.Validated {
		return false
	}
	if len(f.TagIDs) > 0 {
		for _, tag := range f.TagIDs {
			if s.HasTag(tag) {
				return true
			}
		}
		return false
	}
	return true
}

// Engine aggregates emission sources into result trees. It holds only
// immutable tables and is safe for concurrent use.
type Engine struct {
	tables Tables
	label  LabelFunc
	locale language.Tag
	logger *zap.Logger
}

// NewEngine creates a new engine. A nil label function sorts by key.
func NewEngine(tables Tables, label LabelFunc, logger *zap.Logger, config EngineConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if label == nil {
		label = func(key string) string { return key }
	}

	locale, err := language.Parse(config.Locale)
	if err != nil {
		logger.Warn("Invalid locale, falling back to French",
			zap.String("locale", config.Locale),
			zap.Error(err))
		locale = language.French
	}

	return &Engine{
		tables: tables,
		label:  label,
		locale: locale,
		logger: logger,
	}
}

// resolveSubPost returns the sub post of a source in the target environment.
// A source without environment is taken as recorded in home.
func (e *Engine) resolveSubPost(s *emissions.EmissionSource, home, target emissions.Environment, consolidate bool) (emissions.SubPost, bool) {
	sourceEnv := s.Environment
	if sourceEnv == "" {
		sourceEnv = home
	}
	if sourceEnv == target {
		return s.SubPost, true
	}

	if !consolidate {
		e.logger.Warn("Source recorded in another environment excluded",
			zap.Stringer("source_id", s.ID),
			zap.String("source_environment", string(sourceEnv)),
			zap.String("environment", string(target)))
		return "", false
	}

	subPost, ok := e.tables.CrossMap.TranslateSubcategory(sourceEnv, target, s.SubPost)
	if !ok {
		e.logger.Warn("No equivalent sub post in target environment",
			zap.Stringer("source_id", s.ID),
			zap.String("sub_post", string(s.SubPost)),
			zap.String("source_environment", string(sourceEnv)),
			zap.String("environment", string(target)))
		return "", false
	}
	return subPost, true
}
