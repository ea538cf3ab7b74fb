package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	campaignsTable       = "campaigns"
	creativesTable       = "creatives"
	campaignMetricsTable = "campaign_metrics"

	// upsertChunkSize bounds the rows sent in one INSERT statement
	upsertChunkSize = 500
)

var creativeStruct = database.NewStruct(new(models.Creative))

// MetricsRepository is the metrics store. Only the orchestrator writes to it.
type MetricsRepository struct {
	*Repository
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db database.DB, logger ectologger.Logger) *MetricsRepository {
	return &MetricsRepository{
		Repository: NewRepository(db, logger),
	}
}

// WithTx runs fn in a transaction shared by every repository call using the returned context
func (r *MetricsRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, r.db, fn)
}

// CommitSyncResult upserts everything a run fetched in one transaction.
// Re-committing the same batch leaves the store unchanged.
func (r *MetricsRepository) CommitSyncResult(ctx context.Context, run *models.SyncRun, batch models.SyncBatch) error {
	ctx, span := tracing.StartSpan(ctx, "MetricsRepository.CommitSyncResult")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	err = database.WithTx(ctx, r.db, func(ctx context.Context) error {
		if err := r.upsertCampaigns(ctx, run, dedupeCampaigns(batch.Campaigns)); err != nil {
			return err
		}
		if err := r.upsertCreatives(ctx, run, dedupeCreatives(batch.Creatives)); err != nil {
			return err
		}
		return r.upsertMetrics(ctx, run, dedupeMetrics(batch.Metrics))
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"sync_run_id":  run.ID,
		}).Error("failed to commit sync result")
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"sync_run_id": run.ID,
		"campaigns":   len(batch.Campaigns),
		"creatives":   len(batch.Creatives),
		"metrics":     len(batch.Metrics),
	}).Debug("Committed sync result")
	return nil
}

func (r *MetricsRepository) upsertCampaigns(ctx context.Context, run *models.SyncRun, campaigns []models.Campaign) error {
	for start := 0; start < len(campaigns); start += upsertChunkSize {
		chunk := campaigns[start:min(start+upsertChunkSize, len(campaigns))]

		ib := database.NewInsertBuilder()
		ib.InsertInto(campaignsTable).
			Cols("workspace_id", "platform", "campaign_id", "integration_id", "name", "status",
				"daily_budget", "lifetime_budget", "started_at", "updated_at")
		for _, c := range chunk {
			ib.Values(run.WorkspaceID, run.Platform, c.CampaignID, run.IntegrationID, c.Name, c.Status,
				c.DailyBudget, c.LifetimeBudget, c.StartedAt, sqlbuilder.Raw("NOW()"))
		}
		ub := ib.OnConflict("workspace_id", "platform", "campaign_id")
		ub.Set(
			ub.Assign("integration_id", database.Excluded("integration_id")),
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("status", database.Excluded("status")),
			ub.Assign("daily_budget", database.Excluded("daily_budget")),
			ub.Assign("lifetime_budget", database.Excluded("lifetime_budget")),
			ub.Assign("started_at", database.Excluded("started_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		if err := r.exec(ctx, ib, campaignsTable); err != nil {
			return err
		}
	}
	return nil
}

func (r *MetricsRepository) upsertCreatives(ctx context.Context, run *models.SyncRun, creatives []models.Creative) error {
	for start := 0; start < len(creatives); start += upsertChunkSize {
		chunk := creatives[start:min(start+upsertChunkSize, len(creatives))]

		ib := database.NewInsertBuilder()
		ib.InsertInto(creativesTable).
			Cols("workspace_id", "platform", "creative_id", "integration_id", "campaign_id", "ad_set_id", "name", "status",
				"active_since", "impressions", "clicks", "spend", "conversions", "updated_at")
		for _, c := range chunk {
			ib.Values(run.WorkspaceID, run.Platform, c.CreativeID, run.IntegrationID, c.CampaignID, c.AdSetID, c.Name, c.Status,
				c.ActiveSince, c.Impressions, c.Clicks, c.Spend, c.Conversions, sqlbuilder.Raw("NOW()"))
		}
		ub := ib.OnConflict("workspace_id", "platform", "creative_id")
		ub.Set(
			ub.Assign("integration_id", database.Excluded("integration_id")),
			ub.Assign("campaign_id", database.Excluded("campaign_id")),
			ub.Assign("ad_set_id", database.Excluded("ad_set_id")),
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("status", database.Excluded("status")),
			ub.Assign("active_since", database.Excluded("active_since")),
			ub.Assign("impressions", database.Excluded("impressions")),
			ub.Assign("clicks", database.Excluded("clicks")),
			ub.Assign("spend", database.Excluded("spend")),
			ub.Assign("conversions", database.Excluded("conversions")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		if err := r.exec(ctx, ib, creativesTable); err != nil {
			return err
		}
	}
	return nil
}

func (r *MetricsRepository) upsertMetrics(ctx context.Context, run *models.SyncRun, metrics []models.CampaignMetric) error {
	for start := 0; start < len(metrics); start += upsertChunkSize {
		chunk := metrics[start:min(start+upsertChunkSize, len(metrics))]

		ib := database.NewInsertBuilder()
		ib.InsertInto(campaignMetricsTable).
			Cols("workspace_id", "platform", "campaign_id", "date_bucket", "integration_id", "sync_run_id",
				"spend", "impressions", "clicks", "conversions", "revenue", "sessions", "updated_at")
		for _, m := range chunk {
			ib.Values(run.WorkspaceID, run.Platform, m.CampaignID, models.Date(m.DateBucket), run.IntegrationID, run.ID,
				m.Spend, m.Impressions, m.Clicks, m.Conversions, m.Revenue, m.Sessions, sqlbuilder.Raw("NOW()"))
		}
		ub := ib.OnConflict("workspace_id", "platform", "campaign_id", "date_bucket")
		ub.Set(
			ub.Assign("integration_id", database.Excluded("integration_id")),
			ub.Assign("sync_run_id", database.Excluded("sync_run_id")),
			ub.Assign("spend", database.Excluded("spend")),
			ub.Assign("impressions", database.Excluded("impressions")),
			ub.Assign("clicks", database.Excluded("clicks")),
			ub.Assign("conversions", database.Excluded("conversions")),
			ub.Assign("revenue", database.Excluded("revenue")),
			ub.Assign("sessions", database.Excluded("sessions")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		if err := r.exec(ctx, ib, campaignMetricsTable); err != nil {
			return err
		}
	}
	return nil
}

func (r *MetricsRepository) exec(ctx context.Context, ib *database.InsertBuilder, table string) error {
	query, args := ib.Build()
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// Postgres rejects an upsert that touches the same key twice, so the last record per key wins.
func dedupeCampaigns(in []models.Campaign) []models.Campaign {
	return dedupe(in, func(c models.Campaign) string { return c.CampaignID })
}

func dedupeCreatives(in []models.Creative) []models.Creative {
	return dedupe(in, func(c models.Creative) string { return c.CreativeID })
}

func dedupeMetrics(in []models.CampaignMetric) []models.CampaignMetric {
	return dedupe(in, func(m models.CampaignMetric) string {
		return m.CampaignID + "|" + models.Date(m.DateBucket).Format(time.DateOnly)
	})
}

func dedupe[T any](in []T, key func(T) string) []T {
	index := make(map[string]int, len(in))
	out := make([]T, 0, len(in))
	for _, item := range in {
		k := key(item)
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// SumMetrics sums raw counters over the filter window, optionally grouped
func (r *MetricsRepository) SumMetrics(ctx context.Context, filter models.MetricsFilter) ([]models.MetricsTotals, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsRepository.SumMetrics")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	groupExpr := ""
	switch filter.GroupBy {
	case models.GroupByPlatform:
		groupExpr = "platform"
	case models.GroupByCampaign:
		groupExpr = "campaign_id"
	case models.GroupByDate:
		groupExpr = "to_char(date_bucket, 'YYYY-MM-DD')"
	}

	keyCol := "'' AS group_key"
	if groupExpr != "" {
		keyCol = groupExpr + " AS group_key"
	}

	sb := database.NewSelectBuilder()
	sb.Select(
		keyCol,
		"COALESCE(SUM(spend), 0) AS spend",
		"COALESCE(SUM(impressions), 0) AS impressions",
		"COALESCE(SUM(clicks), 0) AS clicks",
		"COALESCE(SUM(conversions), 0) AS conversions",
		"COALESCE(SUM(revenue), 0) AS revenue",
		"COALESCE(SUM(sessions), 0) AS sessions",
	).From(campaignMetricsTable)
	sb.Where(
		sb.Equal("workspace_id", workspaceID),
		sb.Between("date_bucket", models.Date(filter.From), models.Date(filter.To)),
	)
	if len(filter.Platforms) > 0 {
		sb.Where(sb.In("platform", sqlbuilder.Flatten(filter.Platforms)...))
	}
	if len(filter.CampaignIDs) > 0 {
		sb.Where(sb.In("campaign_id", sqlbuilder.Flatten(filter.CampaignIDs)...))
	}
	if groupExpr != "" {
		sb.GroupBy(groupExpr)
		sb.OrderBy("group_key")
	}

	query, args := sb.Build()
	totals := []models.MetricsTotals{}
	if err := r.conn(ctx).SelectContext(ctx, &totals, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"group_by": filter.GroupBy,
		}).Error("failed to sum metrics")
		return nil, Internal("failed to summarize metrics")
	}

	return totals, nil
}

// CampaignSpend returns every campaign of the workspace with its spend between from and to
func (r *MetricsRepository) CampaignSpend(ctx context.Context, from, to time.Time) ([]models.CampaignSpend, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsRepository.CampaignSpend")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select(
		"c.platform", "c.campaign_id", "c.integration_id", "c.name", "c.status",
		"c.daily_budget", "c.lifetime_budget", "c.started_at",
		"COALESCE(SUM(m.spend), 0) AS spend",
		"COALESCE(SUM(m.impressions), 0) AS impressions",
		"COALESCE(SUM(m.clicks), 0) AS clicks",
	).From(campaignsTable + " c")
	sb.JoinWithOption(sqlbuilder.LeftJoin, campaignMetricsTable+" m",
		"m.workspace_id = c.workspace_id",
		"m.platform = c.platform",
		"m.campaign_id = c.campaign_id",
		sb.Between("m.date_bucket", models.Date(from), models.Date(to)),
	)
	sb.Where(sb.Equal("c.workspace_id", workspaceID))
	sb.GroupBy("c.platform", "c.campaign_id", "c.integration_id", "c.name", "c.status",
		"c.daily_budget", "c.lifetime_budget", "c.started_at")
	sb.OrderBy("c.platform", "c.campaign_id")

	query, args := sb.Build()
	rows := []models.CampaignSpend{}
	if err := r.conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to load campaign spend")
		return nil, Internal("failed to load campaign spend")
	}

	return rows, nil
}

// ListCreatives returns every creative of the workspace
func (r *MetricsRepository) ListCreatives(ctx context.Context) ([]models.Creative, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricsRepository.ListCreatives")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := creativeStruct.SelectFrom(creativesTable)
	sb.Where(sb.Equal("workspace_id", workspaceID))
	sb.OrderBy("platform", "ad_set_id", "creative_id")

	query, args := sb.Build()
	creatives := []models.Creative{}
	if err := r.conn(ctx).SelectContext(ctx, &creatives, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list creatives")
		return nil, Internal("failed to list creatives")
	}

	return creatives, nil
}
