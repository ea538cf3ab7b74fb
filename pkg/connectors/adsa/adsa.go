// Package adsa implements the connector for the AdsA Graph-style ads API.
package adsa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	FieldAccessToken = "access_token"
	FieldAppSecret   = "app_secret"
	FieldAdAccountID = "ad_account_id"

	DefaultBaseURL   = "https://graph.facebook.com/v19.0"
	DefaultPageDelay = 200 * time.Millisecond
	pageLimit        = "100"
	// maxPages guards against a platform returning a cursor loop
	maxPages = 1000
)

var platform = string(models.PlatformAdsA)

// purchase conversions and revenue are reported as typed entries of actions/action_values
const (
	conversionsExpr = "actions[?action_type=='purchase' || action_type=='offsite_conversion.fb_pixel_purchase'].value | [0]"
	revenueExpr     = "action_values[?action_type=='purchase' || action_type=='offsite_conversion.fb_pixel_purchase'].value | [0]"
)

var timeLayouts = []string{"2006-01-02T15:04:05-0700", time.RFC3339}

// Config configures the AdsA connector
type Config struct {
	BaseURL   string
	PageDelay time.Duration
}

// Connector fetches campaigns, ads and daily insights from AdsA
type Connector struct {
	client *httpclient.Client
	cfg    Config
	logger ectologger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an AdsA connector
func New(client *httpclient.Client, cfg Config, logger ectologger.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	return &Connector{
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformAdsA
}

func (c *Connector) CredentialFields() []connectors.FieldSpec {
	return []connectors.FieldSpec{
		{Name: FieldAccessToken, Secret: true, Required: true},
		{Name: FieldAppSecret, Secret: true},
		{Name: FieldAdAccountID, Required: true},
	}
}

// Fetch collects the window's data. Campaign and ad listings are scope campaigns; daily
// campaign insights are scope metrics; per-ad insights fill creative stats when both are requested.
func (c *Connector) Fetch(ctx context.Context, creds connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "AdsA.Fetch")
	defer span.End()

	session := c.newSession(creds)
	collector := connectors.NewCollector(platform)
	result := &connectors.Result{}

	if scope.IncludesCampaigns() {
		campaigns, err := session.campaigns(ctx, collector)
		if hard := collector.Record("campaigns", err); hard != nil {
			return nil, hard
		}
		result.Campaigns = campaigns

		creatives, err := session.ads(ctx, collector)
		if hard := collector.Record("ads", err); hard != nil {
			return nil, hard
		}
		result.Creatives = creatives
	}

	if scope.IncludesMetrics() {
		metrics, err := session.campaignInsights(ctx, window, collector)
		if hard := collector.Record("campaign_insights", err); hard != nil {
			return nil, hard
		}
		result.Metrics = metrics
	}

	if scope.IncludesCampaigns() && scope.IncludesMetrics() && len(result.Creatives) > 0 {
		err := session.adInsights(ctx, window, result.Creatives, collector)
		if hard := collector.Record("ad_insights", err); hard != nil {
			return nil, hard
		}
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":  platform,
		"campaigns": len(result.Campaigns),
		"creatives": len(result.Creatives),
		"metrics":   len(result.Metrics),
	}).Debug("AdsA fetch finished")

	return collector.Finish(result)
}

type session struct {
	*Connector
	token     string
	proof     string
	accountID string
}

func (c *Connector) newSession(creds connectors.Credentials) *session {
	accountID := strings.TrimSpace(creds.Get(FieldAdAccountID))
	if !strings.HasPrefix(accountID, "act_") {
		accountID = "act_" + accountID
	}

	s := &session{Connector: c, token: creds.Get(FieldAccessToken), accountID: accountID}
	if secret := creds.Get(FieldAppSecret); secret != "" {
		s.proof = AppSecretProof(s.token, secret)
	}
	return s
}

// AppSecretProof signs the access token with the app secret
func AppSecretProof(token, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *session) campaigns(ctx context.Context, collector *connectors.Collector) ([]models.Campaign, error) {
	query := url.Values{
		"fields": {"id,name,status,effective_status,daily_budget,lifetime_budget,start_time"},
	}

	var campaigns []models.Campaign
	err := s.paginate(ctx, s.accountID+"/campaigns", query, func(rec connectors.Record) {
		id := rec.String("id")
		if id == "" {
			collector.Skip("campaigns", "campaign without id")
			return
		}
		daily, errDaily := rec.Float("daily_budget")
		lifetime, errLifetime := rec.Float("lifetime_budget")
		startedAt, errStart := rec.Time("start_time", timeLayouts...)
		if err := firstErr(errDaily, errLifetime, errStart); err != nil {
			collector.Skip("campaigns", "campaign "+id+": "+err.Error())
			return
		}

		campaigns = append(campaigns, models.Campaign{
			CampaignID: id,
			Name:       rec.String("name"),
			Status:     mapStatus(rec.String("effective_status"), rec.String("status")),
			// budgets are reported in minor currency units
			DailyBudget:    daily / 100,
			LifetimeBudget: lifetime / 100,
			StartedAt:      startedAt,
		})
	})
	return campaigns, err
}

func (s *session) ads(ctx context.Context, collector *connectors.Collector) ([]models.Creative, error) {
	query := url.Values{
		"fields": {"id,name,status,effective_status,adset_id,campaign_id,created_time"},
	}

	var creatives []models.Creative
	err := s.paginate(ctx, s.accountID+"/ads", query, func(rec connectors.Record) {
		id := rec.String("id")
		if id == "" {
			collector.Skip("ads", "ad without id")
			return
		}
		createdAt, err := rec.Time("created_time", timeLayouts...)
		if err != nil {
			collector.Skip("ads", "ad "+id+": "+err.Error())
			return
		}

		creatives = append(creatives, models.Creative{
			CreativeID:  id,
			CampaignID:  rec.String("campaign_id"),
			AdSetID:     rec.String("adset_id"),
			Name:        rec.String("name"),
			Status:      mapStatus(rec.String("effective_status"), rec.String("status")),
			ActiveSince: createdAt,
		})
	})
	return creatives, err
}

func (s *session) campaignInsights(ctx context.Context, window models.Window, collector *connectors.Collector) ([]models.CampaignMetric, error) {
	query := insightsQuery(window, "campaign")
	query.Set("time_increment", "1")
	query.Set("fields", "campaign_id,date_start,spend,impressions,clicks,actions,action_values")

	var metrics []models.CampaignMetric
	err := s.paginate(ctx, s.accountID+"/insights", query, func(rec connectors.Record) {
		campaignID := rec.String("campaign_id")
		day, errDay := time.Parse(time.DateOnly, rec.String("date_start"))
		spend, errSpend := rec.Float("spend")
		impressions, errImpressions := rec.Int("impressions")
		clicks, errClicks := rec.Int("clicks")
		conversions, errConversions := rec.Float(conversionsExpr)
		revenue, errRevenue := rec.Float(revenueExpr)
		if err := firstErr(errDay, errSpend, errImpressions, errClicks, errConversions, errRevenue); err != nil || campaignID == "" {
			collector.Skip("campaign_insights", "unparseable insight row for campaign "+campaignID)
			return
		}

		metrics = append(metrics, models.CampaignMetric{
			CampaignID:  campaignID,
			DateBucket:  day,
			Spend:       spend,
			Impressions: impressions,
			Clicks:      clicks,
			Conversions: conversions,
			Revenue:     revenue,
		})
	})
	return metrics, err
}

// adInsights aggregates the window per ad into the creatives' stats
func (s *session) adInsights(ctx context.Context, window models.Window, creatives []models.Creative, collector *connectors.Collector) error {
	query := insightsQuery(window, "ad")
	query.Set("fields", "ad_id,spend,impressions,clicks,actions")

	index := make(map[string]int, len(creatives))
	for i, creative := range creatives {
		index[creative.CreativeID] = i
	}

	return s.paginate(ctx, s.accountID+"/insights", query, func(rec connectors.Record) {
		i, ok := index[rec.String("ad_id")]
		if !ok {
			return
		}
		spend, errSpend := rec.Float("spend")
		impressions, errImpressions := rec.Int("impressions")
		clicks, errClicks := rec.Int("clicks")
		conversions, errConversions := rec.Float(conversionsExpr)
		if err := firstErr(errSpend, errImpressions, errClicks, errConversions); err != nil {
			collector.Skip("ad_insights", "ad "+rec.String("ad_id")+": "+err.Error())
			return
		}

		creatives[i].Spend = spend
		creatives[i].Impressions = impressions
		creatives[i].Clicks = clicks
		creatives[i].Conversions = conversions
	})
}

func insightsQuery(window models.Window, level string) url.Values {
	timeRange, _ := json.Marshal(map[string]string{
		"since": window.Start.Format(time.DateOnly),
		"until": window.End.Format(time.DateOnly),
	})
	return url.Values{
		"level":      {level},
		"time_range": {string(timeRange)},
	}
}

// paginate walks paging.next links, waiting PageDelay between pages
func (s *session) paginate(ctx context.Context, path string, query url.Values, each func(connectors.Record)) error {
	query.Set("limit", pageLimit)
	next := s.cfg.BaseURL + "/" + path + "?" + s.authorize(query).Encode()

	for page := 0; next != "" && page < maxPages; page++ {
		if page > 0 {
			if err := s.sleep(ctx, s.cfg.PageDelay); err != nil {
				return connectors.ClassifyTransport(platform, err)
			}
		}

		resp, err := s.client.Get(ctx, next, nil, nil)
		if err != nil {
			return connectors.ClassifyTransport(platform, err)
		}
		if err := connectors.ClassifyResponse(platform, resp); err != nil {
			return err
		}

		records, root, err := connectors.DecodeRecords(resp.Body, "data")
		if err != nil {
			return failures.MalformedResponse(platform, err, "invalid "+path+" page")
		}
		for _, rec := range records {
			each(rec)
		}

		// next links already carry the token and proof
		next = root.String("paging.next")
	}
	return nil
}

func (s *session) authorize(query url.Values) url.Values {
	query.Set("access_token", s.token)
	if s.proof != "" {
		query.Set("appsecret_proof", s.proof)
	}
	return query
}

func mapStatus(effective, configured string) models.CampaignStatus {
	status := effective
	if status == "" {
		status = configured
	}
	switch strings.ToUpper(status) {
	case "ACTIVE":
		return models.CampaignStatusActive
	case "PAUSED", "CAMPAIGN_PAUSED", "ADSET_PAUSED":
		return models.CampaignStatusPaused
	case "ARCHIVED", "DELETED":
		return models.CampaignStatusArchived
	default:
		return models.CampaignStatusUnknown
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
