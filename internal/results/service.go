package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/exportrules"
)

// ErrStudyNotFound is returned by repositories for unknown studies
var ErrStudyNotFound = errors.New("study not found")

// SourceRepository is the data access the service needs
type SourceRepository interface {
	ListStudySources(ctx context.Context, studyID uuid.UUID) ([]emissions.EmissionSource, error)
	GetStudyEnvironment(ctx context.Context, studyID uuid.UUID) (emissions.Environment, error)
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// Snapshot is a persisted computation of every result tree of a study
type Snapshot struct {
	ID          uuid.UUID                                   `json:"id"`
	StudyID     uuid.UUID                                   `json:"study_id"`
	Environment emissions.Environment                       `json:"environment"`
	Tree        []ResultNode                                `json:"tree"`
	Total       ResultNode                                  `json:"total"`
	Rules       map[exportrules.ExportType][]RuleResultNode `json:"rules"`
	SourceCount int                                         `json:"source_count"`
	ComputedAt  time.Time                                   `json:"computed_at"`
}

// ServiceConfig configuration for the service
type ServiceConfig struct {
	CacheTTL        time.Duration `json:"cache_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// ExportFilters apply to regulatory rule trees
	ExportFilters Filters `json:"export_filters"`

	// SnapshotFilters apply to the post tree stored in snapshots
	SnapshotFilters Filters `json:"snapshot_filters"`
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		CacheTTL:        5 * time.Minute,
		CleanupInterval: time.Minute,
		ExportFilters:   Filters{SiteID: AllSites, ValidatedOnly: true},
		SnapshotFilters: Filters{SiteID: AllSites, Consolidate: true},
	}
}

// Service loads study sources, runs the engine and caches the trees
type Service struct {
	repository SourceRepository
	engine     *Engine
	cache      *ResultCache
	logger     *zap.Logger
	config     ServiceConfig

	duration       metric.Float64Histogram
	sourceCounter  metric.Int64Counter
	factorlessUsed metric.Int64Counter
}

// NewService creates a new results service. Metrics go to the global meter provider.
func NewService(repository SourceRepository, engine *Engine, logger *zap.Logger, config ServiceConfig) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("bilan-carbone/results-engine")
	duration, err := meter.Float64Histogram("results.aggregation.duration",
		metric.WithDescription("Duration of a study aggregation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	sourceCounter, err := meter.Int64Counter("results.sources.processed",
		metric.WithDescription("Sources loaded for aggregation"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create source counter: %w", err)
	}
	factorless, err := meter.Int64Counter("results.sources.without_factor",
		metric.WithDescription("Sources left out of totals for lack of an emission factor"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create factorless counter: %w", err)
	}

	return &Service{
		repository:     repository,
		engine:         engine,
		cache:          NewResultCache(config.CacheTTL, config.CleanupInterval),
		logger:         logger,
		config:         config,
		duration:       duration,
		sourceCounter:  sourceCounter,
		factorlessUsed: factorless,
	}, nil
}

// Close stops the cache cleanup
func (s *Service) Close() {
	s.cache.Stop()
}

// CacheStats returns the statistics of the result cache
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// StudyResults returns the post tree of a study. An empty environment means
// the environment of the study itself. The returned tree is a copy the caller may modify.
func (s *Service) StudyResults(ctx context.Context, studyID uuid.UUID, filters Filters, env emissions.Environment) ([]ResultNode, error) {
	env, err := s.resolveEnvironment(ctx, studyID, env)
	if err != nil {
		return nil, err
	}

	cacheKey := buildTreeKey(studyID, env, filters)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if tree, ok := cached.([]ResultNode); ok {
			return cloneTree(tree), nil
		}
	}

	sources, err := s.loadSources(ctx, studyID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tree, err := s.engine.BuildResultTree(sources, filters, env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute study results: %w", err)
	}
	s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("tree", "posts"),
		attribute.String("environment", string(env)),
	))

	s.cache.Set(cacheKey, tree)
	return cloneTree(tree), nil
}

// StudyRuleResults returns the rule tree of a study for an export standard.
// The returned rows are a copy the caller may modify.
func (s *Service) StudyRuleResults(ctx context.Context, studyID uuid.UUID, exportType exportrules.ExportType) ([]RuleResultNode, error) {
	cacheKey := buildRulesKey(studyID, exportType)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if rows, ok := cached.([]RuleResultNode); ok {
			return cloneRows(rows), nil
		}
	}

	studyEnv, err := s.resolveEnvironment(ctx, studyID, "")
	if err != nil {
		return nil, err
	}

	sources, err := s.loadSources(ctx, studyID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := s.engine.BuildRuleResultTree(sources, studyEnv, exportType, s.config.ExportFilters)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rule results: %w", err)
	}
	s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("tree", "rules"),
		attribute.String("export", string(exportType)),
	))

	s.cache.Set(cacheKey, rows)
	return cloneRows(rows), nil
}

// Invalidate drops every cached tree of a study
func (s *Service) Invalidate(studyID uuid.UUID) {
	removed := s.cache.DeleteByPrefix(studyKeyPrefix(studyID))
	s.logger.Debug("Invalidated study results",
		zap.Stringer("study_id", studyID),
		zap.Int("entries", removed))
}

// SnapshotStudy computes the post tree and every rule tree of a study and persists them.
// An empty environment means the environment of the study itself.
func (s *Service) SnapshotStudy(ctx context.Context, studyID uuid.UUID, env emissions.Environment) (*Snapshot, error) {
	studyEnv, err := s.resolveEnvironment(ctx, studyID, "")
	if err != nil {
		return nil, err
	}
	if env == "" {
		env = studyEnv
	}

	sources, err := s.loadSources(ctx, studyID)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		if sources[i].Environment == "" {
			sources[i].Environment = studyEnv
		}
	}

	start := time.Now()
	tree, err := s.engine.BuildResultTree(sources, s.config.SnapshotFilters, env)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot study: %w", err)
	}

	snapshot := &Snapshot{
		ID:          uuid.New(),
		StudyID:     studyID,
		Environment: env,
		Tree:        tree,
		Total:       TotalNode(tree),
		Rules:       make(map[exportrules.ExportType][]RuleResultNode),
		SourceCount: len(sources),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, exportType := range s.exportTypes() {
		wg.Add(1)
		go func(exportType exportrules.ExportType) {
			defer wg.Done()
			rows, err := s.engine.BuildRuleResultTree(sources, studyEnv, exportType, s.config.ExportFilters)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s rules: %w", exportType, err))
				return
			}
			snapshot.Rules[exportType] = rows
		}(exportType)
	}
	wg.Wait()

	if len(errs) > 0 {
		s.logger.Warn("Some rule trees failed", zap.Stringer("study_id", studyID), zap.Errors("errors", errs))
	}

	snapshot.ComputedAt = time.Now()
	s.duration.Record(ctx, snapshot.ComputedAt.Sub(start).Seconds(), metric.WithAttributes(
		attribute.String("tree", "snapshot"),
		attribute.String("environment", string(env)),
	))

	if err := s.repository.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Info("Study snapshot saved",
		zap.Stringer("study_id", studyID),
		zap.String("environment", string(env)),
		zap.Int("sources", snapshot.SourceCount),
		zap.Float64("total", snapshot.Total.Value))
	return snapshot, nil
}

func (s *Service) resolveEnvironment(ctx context.Context, studyID uuid.UUID, env emissions.Environment) (emissions.Environment, error) {
	if env != "" {
		return env, nil
	}
	env, err := s.repository.GetStudyEnvironment(ctx, studyID)
	if err != nil {
		return "", fmt.Errorf("failed to get study environment: %w", err)
	}
	return env, nil
}

func (s *Service) loadSources(ctx context.Context, studyID uuid.UUID) ([]emissions.EmissionSource, error) {
	sources, err := s.repository.ListStudySources(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list study sources: %w", err)
	}

	factorless := 0
	for i := range sources {
		if sources[i].EmissionFactor == nil {
			factorless++
		}
	}
	attrs := metric.WithAttributes(attribute.String("study_id", studyID.String()))
	s.sourceCounter.Add(ctx, int64(len(sources)), attrs)
	if factorless > 0 {
		s.factorlessUsed.Add(ctx, int64(factorless), attrs)
		s.logger.Debug("Sources without emission factor",
			zap.Stringer("study_id", studyID),
			zap.Int("count", factorless))
	}
	return sources, nil
}

func (s *Service) exportTypes() []exportrules.ExportType {
	if s.engine.tables.Rules == nil {
		return nil
	}
	return s.engine.tables.Rules.Exports()
}

func studyKeyPrefix(studyID uuid.UUID) string {
	return "study_" + studyID.String() + "_"
}

// buildTreeKey builds a cache key for a post tree
func buildTreeKey(studyID uuid.UUID, env emissions.Environment, filters Filters) string {
	tags := make([]string, len(filters.TagIDs))
	for i, tag := range filters.TagIDs {
		tags[i] = tag.String()
	}
	sort.Strings(tags)

	site := filters.SiteID
	if site == "" {
		site = AllSites
	}
	return fmt.Sprintf("%stree_%s_%s_v%t_c%t_%s",
		studyKeyPrefix(studyID), env, site, filters.ValidatedOnly, filters.Consolidate, strings.Join(tags, ","))
}

// buildRulesKey builds a cache key for a rule tree
func buildRulesKey(studyID uuid.UUID, exportType exportrules.ExportType) string {
	return studyKeyPrefix(studyID) + "rules_" + string(exportType)
}

func cloneTree(nodes []ResultNode) []ResultNode {
	if nodes == nil {
		return nil
	}
	clone := make([]ResultNode, len(nodes))
	for i, n := range nodes {
		n.Uncertainty = cloneFloat(n.Uncertainty)
		n.Children = cloneTree(n.Children)
		clone[i] = n
	}
	return clone
}

func cloneRows(rows []RuleResultNode) []RuleResultNode {
	if rows == nil {
		return nil
	}
	clone := make([]RuleResultNode, len(rows))
	for i, r := range rows {
		r.Uncertainty = cloneFloat(r.Uncertainty)
		clone[i] = r
	}
	return clone
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
