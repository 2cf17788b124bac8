// Package sources reads study emission sources from PostgreSQL and stores
// computed result snapshots.
package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/results"
)

var _ results.SourceRepository = (*PostgresRepository)(nil)

// PostgresRepository implements results.SourceRepository using PostgreSQL
type PostgresRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB, logger *zap.Logger) *PostgresRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// sourceRow is a source joined with its factor and tags
type sourceRow struct {
	ID                 uuid.UUID      `db:"id"`
	StudyID            uuid.UUID      `db:"study_id"`
	Name               string         `db:"name"`
	SubPost            string         `db:"sub_post"`
	SiteID             string         `db:"site_id"`
	Value              float64        `db:"value"`
	Validated          bool           `db:"validated"`
	Type               *string        `db:"type"`
	Caracterisation    *string        `db:"caracterisation"`
	Environment        string         `db:"environment"`
	DepreciationPeriod *int           `db:"depreciation_period"`
	Reliability        *int           `db:"reliability"`
	Technical          *int           `db:"technical_representativeness"`
	Geographic         *int           `db:"geographic_representativeness"`
	Temporal           *int           `db:"temporal_representativeness"`
	Completeness       *int           `db:"completeness"`
	TagIDs             pq.StringArray `db:"tag_ids"`

	FactorID           *uuid.UUID `db:"factor_id"`
	FactorName         *string    `db:"factor_name"`
	FactorUnit         *string    `db:"factor_unit"`
	FactorTotalCo2     *float64   `db:"factor_total_co2"`
	Co2f               *float64   `db:"co2f"`
	Ch4f               *float64   `db:"ch4f"`
	Ch4b               *float64   `db:"ch4b"`
	N2o                *float64   `db:"n2o"`
	Co2b               *float64   `db:"co2b"`
	Sf6                *float64   `db:"sf6"`
	Hfc                *float64   `db:"hfc"`
	Pfc                *float64   `db:"pfc"`
	OtherGES           *float64   `db:"other_ges"`
	FactorReliability  *int       `db:"factor_reliability"`
	FactorTechnical    *int       `db:"factor_technical_representativeness"`
	FactorGeographic   *int       `db:"factor_geographic_representativeness"`
	FactorTemporal     *int       `db:"factor_temporal_representativeness"`
	FactorCompleteness *int       `db:"factor_completeness"`
}

const listStudySourcesQuery = `
		SELECT s.id, s.study_id, s.name, s.sub_post, s.site_id, s.value, s.validated, s.type,
			   s.caracterisation, COALESCE(s.environment, st.environment, '') AS environment, s.depreciation_period,
			   s.reliability, s.technical_representativeness, s.geographic_representativeness,
			   s.temporal_representativeness, s.completeness,
			   COALESCE(array_agg(t.tag_id::text) FILTER (WHERE t.tag_id IS NOT NULL), '{}') AS tag_ids,
			   f.id AS factor_id, f.name AS factor_name, f.unit AS factor_unit, f.total_co2 AS factor_total_co2,
			   f.co2f, f.ch4f, f.ch4b, f.n2o, f.co2b, f.sf6, f.hfc, f.pfc, f.other_ges,
			   f.reliability AS factor_reliability,
			   f.technical_representativeness AS factor_technical_representativeness,
			   f.geographic_representativeness AS factor_geographic_representativeness,
			   f.temporal_representativeness AS factor_temporal_representativeness,
			   f.completeness AS factor_completeness
		FROM emission_sources s
		JOIN studies st ON st.id = s.study_id
		LEFT JOIN emission_factors f ON f.id = s.emission_factor_id
		LEFT JOIN emission_source_tags t ON t.source_id = s.id
		WHERE s.study_id = $1
		GROUP BY s.id, st.environment, f.id
		ORDER BY s.created_at, s.id
	`

// ListStudySources returns every source of a study with its emission factor.
// Sources without environment get the environment of the study.
func (r *PostgresRepository) ListStudySources(ctx context.Context, studyID uuid.UUID) ([]emissions.EmissionSource, error) {
	var rows []sourceRow
	if err := r.db.SelectContext(ctx, &rows, listStudySourcesQuery, studyID); err != nil {
		return nil, fmt.Errorf("failed to list study sources: %w", err)
	}

	sources := make([]emissions.EmissionSource, 0, len(rows))
	for i := range rows {
		sources = append(sources, r.toSource(&rows[i]))
	}
	return sources, nil
}

func (r *PostgresRepository) toSource(row *sourceRow) emissions.EmissionSource {
	source := emissions.EmissionSource{
		ID:          row.ID,
		StudyID:     row.StudyID,
		Name:        row.Name,
		SubPost:     emissions.SubPost(row.SubPost),
		SiteID:      row.SiteID,
		Value:       row.Value,
		Validated:   row.Validated,
		Environment: emissions.Environment(row.Environment),
		Quality: emissions.QualityRatings{
			Reliability:                  row.Reliability,
			TechnicalRepresentativeness:  row.Technical,
			GeographicRepresentativeness: row.Geographic,
			TemporalRepresentativeness:   row.Temporal,
			Completeness:                 row.Completeness,
		},
		DepreciationPeriod: row.DepreciationPeriod,
	}
	if row.Type != nil {
		source.Type = emissions.SourceType(*row.Type)
	}
	if row.Caracterisation != nil {
		c := emissions.Caracterisation(*row.Caracterisation)
		source.Caracterisation = &c
	}

	for _, raw := range row.TagIDs {
		tag, err := uuid.Parse(raw)
		if err != nil {
			r.logger.Warn("Invalid tag id ignored",
				zap.Stringer("source_id", row.ID),
				zap.String("tag_id", raw),
				zap.Error(err))
			continue
		}
		source.Tags = append(source.Tags, tag)
	}

	if row.FactorID != nil {
		source.EmissionFactor = &emissions.EmissionFactor{
			ID:       *row.FactorID,
			Name:     deref(row.FactorName),
			Unit:     deref(row.FactorUnit),
			TotalCo2: deref(row.FactorTotalCo2),
			Gases: emissions.GasBreakdown{
				Co2f:     deref(row.Co2f),
				Ch4f:     deref(row.Ch4f),
				Ch4b:     deref(row.Ch4b),
				N2o:      deref(row.N2o),
				Co2b:     deref(row.Co2b),
				Sf6:      deref(row.Sf6),
				Hfc:      deref(row.Hfc),
				Pfc:      deref(row.Pfc),
				OtherGES: deref(row.OtherGES),
			},
			Quality: emissions.QualityRatings{
				Reliability:                  row.FactorReliability,
				TechnicalRepresentativeness:  row.FactorTechnical,
				GeographicRepresentativeness: row.FactorGeographic,
				TemporalRepresentativeness:   row.FactorTemporal,
				Completeness:                 row.FactorCompleteness,
			},
		}
	}
	return source
}

// GetStudyEnvironment returns the environment a study was created in
func (r *PostgresRepository) GetStudyEnvironment(ctx context.Context, studyID uuid.UUID) (emissions.Environment, error) {
	query := `SELECT environment FROM studies WHERE id = $1`

	var env string
	if err := r.db.GetContext(ctx, &env, query, studyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", results.ErrStudyNotFound, studyID)
		}
		return "", fmt.Errorf("failed to get study environment: %w", err)
	}
	return emissions.Environment(env), nil
}

// SaveSnapshot stores the latest snapshot of a study, replacing the previous one
func (r *PostgresRepository) SaveSnapshot(ctx context.Context, snapshot *results.Snapshot) error {
	treeJSON, err := json.Marshal(snapshot.Tree)
	if err != nil {
		return fmt.Errorf("failed to marshal result tree: %w", err)
	}
	rulesJSON, err := json.Marshal(snapshot.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rule trees: %w", err)
	}

	query := `
		INSERT INTO study_result_snapshots (
			id, study_id, environment, total, uncertainty, tree, rules, source_count, computed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (study_id) DO UPDATE SET
			id = EXCLUDED.id,
			environment = EXCLUDED.environment,
			total = EXCLUDED.total,
			uncertainty = EXCLUDED.uncertainty,
			tree = EXCLUDED.tree,
			rules = EXCLUDED.rules,
			source_count = EXCLUDED.source_count,
			computed_at = EXCLUDED.computed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.StudyID, string(snapshot.Environment),
		snapshot.Total.Value, snapshot.Total.Uncertainty,
		treeJSON, rulesJSON, snapshot.SourceCount, snapshot.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// ListStaleStudies returns studies whose sources changed after their last snapshot,
// oldest snapshot first
func (r *PostgresRepository) ListStaleStudies(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT s.id
		FROM studies s
		LEFT JOIN study_result_snapshots r ON r.study_id = s.id
		WHERE r.computed_at IS NULL OR s.updated_at > r.computed_at
		ORDER BY r.computed_at ASC NULLS FIRST
		LIMIT $1
	`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale studies: %w", err)
	}
	return ids, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
