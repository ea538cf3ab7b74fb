// Package adsb implements the connector for the AdsB query-language ads API.
package adsb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	FieldDeveloperToken  = "developer_token"
	FieldClientID        = "client_id"
	FieldClientSecret    = "client_secret"
	FieldRefreshToken    = "refresh_token"
	FieldCustomerID      = "customer_id"
	FieldLoginCustomerID = "login_customer_id"

	DefaultBaseURL = "https://googleads.googleapis.com/v16"
	pageSize       = 1000
	maxPages       = 1000
	microsPerUnit  = 1e6
)

var platform = string(models.PlatformAdsB)

// Config configures the AdsB connector
type Config struct {
	BaseURL string
	// TokenURL overrides the OAuth token endpoint
	TokenURL string
}

// Connector fetches campaigns, ads and daily metrics from AdsB
type Connector struct {
	client *httpclient.Client
	tokens *auth.TokenCache
	cfg    Config
	logger ectologger.Logger
}

// New creates an AdsB connector. Access tokens are shared through tokens.
func New(client *httpclient.Client, tokens *auth.TokenCache, cfg Config, logger ectologger.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = google.Endpoint.TokenURL
	}
	return &Connector{
		client: client,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformAdsB
}

func (c *Connector) CredentialFields() []connectors.FieldSpec {
	return []connectors.FieldSpec{
		{Name: FieldDeveloperToken, Secret: true, Required: true},
		{Name: FieldClientID, Required: true},
		{Name: FieldClientSecret, Secret: true, Required: true},
		{Name: FieldRefreshToken, Secret: true, Required: true},
		{Name: FieldCustomerID, Required: true, Rules: "customer_id"},
		{Name: FieldLoginCustomerID, Rules: "customer_id"},
	}
}

// Fetch collects the window's data through the search endpoint
func (c *Connector) Fetch(ctx context.Context, creds connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "AdsB.Fetch")
	defer span.End()

	s, err := c.newSession(ctx, creds)
	if err != nil {
		return nil, err
	}

	collector := connectors.NewCollector(platform)
	result := &connectors.Result{}

	if scope.IncludesCampaigns() {
		campaigns, err := s.campaigns(ctx, collector)
		if hard := collector.Record("campaigns", err); hard != nil {
			return nil, s.invalidateOnAuth(ctx, hard)
		}
		result.Campaigns = campaigns

		creatives, err := s.ads(ctx, window, scope.IncludesMetrics(), collector)
		if hard := collector.Record("ads", err); hard != nil {
			return nil, s.invalidateOnAuth(ctx, hard)
		}
		result.Creatives = creatives
	}

	if scope.IncludesMetrics() {
		metrics, err := s.metrics(ctx, window, collector)
		if hard := collector.Record("metrics", err); hard != nil {
			return nil, s.invalidateOnAuth(ctx, hard)
		}
		result.Metrics = metrics
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":  platform,
		"campaigns": len(result.Campaigns),
		"creatives": len(result.Creatives),
		"metrics":   len(result.Metrics),
	}).Debug("AdsB fetch finished")

	return collector.Finish(result)
}

type session struct {
	*Connector
	tokenSource oauth2.TokenSource
	cacheKey    string
	headers     map[string]string
	searchURL   string
}

func (c *Connector) newSession(ctx context.Context, creds connectors.Credentials) (*session, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     creds.Get(FieldClientID),
		ClientSecret: creds.Get(FieldClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}

	// rotating the refresh token changes the cache key
	sum := sha256.Sum256([]byte(creds.Get(FieldClientID) + "|" + creds.Get(FieldRefreshToken)))
	cacheKey := platform + ":" + hex.EncodeToString(sum[:8])

	base := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.Get(FieldRefreshToken)})
	s := &session{
		Connector:   c,
		tokenSource: c.tokens.TokenSource(ctx, cacheKey, base),
		cacheKey:    cacheKey,
		headers: map[string]string{
			"developer-token": creds.Get(FieldDeveloperToken),
		},
		searchURL: fmt.Sprintf("%s/customers/%s/googleAds:search", c.cfg.BaseURL, normalizeCustomerID(creds.Get(FieldCustomerID))),
	}
	if login := creds.Get(FieldLoginCustomerID); login != "" {
		s.headers["login-customer-id"] = normalizeCustomerID(login)
	}

	token, err := s.tokenSource.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	s.headers["Authorization"] = token.Type() + " " + token.AccessToken
	return s, nil
}

func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return failures.AuthInvalid(platform, "refresh token rejected: %s", retrieveErr.ErrorCode)
		}
		if status >= 500 {
			return failures.UpstreamUnavailable(platform, err, "token endpoint unavailable")
		}
	}
	return connectors.ClassifyTransport(platform, err)
}

// invalidateOnAuth drops a cached access token the platform no longer accepts
func (s *session) invalidateOnAuth(ctx context.Context, err error) error {
	if errors.Is(err, failures.ErrAuthInvalid) {
		if cacheErr := s.tokens.Invalidate(ctx, s.cacheKey); cacheErr != nil {
			s.logger.WithContext(ctx).WithError(cacheErr).Warn("Failed to invalidate cached AdsB token")
		}
	}
	return err
}

func (s *session) campaigns(ctx context.Context, collector *connectors.Collector) ([]models.Campaign, error) {
	query := "SELECT campaign.id, campaign.name, campaign.status, campaign.start_date, " +
		"campaign_budget.amount_micros, campaign_budget.total_amount_micros FROM campaign"

	var campaigns []models.Campaign
	err := s.search(ctx, query, func(rec connectors.Record) {
		id := rec.String("campaign.id")
		daily, errDaily := rec.Float("campaignBudget.amountMicros")
		total, errTotal := rec.Float("campaignBudget.totalAmountMicros")
		startedAt, errStart := rec.Time("campaign.startDate", time.DateOnly)
		if id == "" || errors.Join(errDaily, errTotal, errStart) != nil {
			collector.Skip("campaigns", "unparseable campaign row "+id)
			return
		}

		campaigns = append(campaigns, models.Campaign{
			CampaignID:     id,
			Name:           rec.String("campaign.name"),
			Status:         mapStatus(rec.String("campaign.status")),
			DailyBudget:    daily / microsPerUnit,
			LifetimeBudget: total / microsPerUnit,
			StartedAt:      startedAt,
		})
	})
	return campaigns, err
}

func (s *session) ads(ctx context.Context, window models.Window, withStats bool, collector *connectors.Collector) ([]models.Creative, error) {
	query := "SELECT ad_group_ad.ad.id, ad_group_ad.ad.name, ad_group_ad.status, ad_group.id, campaign.id"
	if withStats {
		query += ", metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions FROM ad_group_ad" + dateFilter(window)
	} else {
		query += " FROM ad_group_ad"
	}

	var creatives []models.Creative
	err := s.search(ctx, query, func(rec connectors.Record) {
		id := rec.String("adGroupAd.ad.id")
		impressions, errImpressions := rec.Int("metrics.impressions")
		clicks, errClicks := rec.Int("metrics.clicks")
		cost, errCost := rec.Float("metrics.costMicros")
		conversions, errConversions := rec.Float("metrics.conversions")
		if id == "" || errors.Join(errImpressions, errClicks, errCost, errConversions) != nil {
			collector.Skip("ads", "unparseable ad row "+id)
			return
		}

		creatives = append(creatives, models.Creative{
			CreativeID:  id,
			CampaignID:  rec.String("campaign.id"),
			AdSetID:     rec.String("adGroup.id"),
			Name:        rec.String("adGroupAd.ad.name"),
			Status:      mapStatus(rec.String("adGroupAd.status")),
			Impressions: impressions,
			Clicks:      clicks,
			Spend:       cost / microsPerUnit,
			Conversions: conversions,
		})
	})
	return creatives, err
}

func (s *session) metrics(ctx context.Context, window models.Window, collector *connectors.Collector) ([]models.CampaignMetric, error) {
	query := "SELECT campaign.id, segments.date, metrics.cost_micros, metrics.impressions, metrics.clicks, " +
		"metrics.conversions, metrics.conversions_value FROM campaign" + dateFilter(window)

	var metrics []models.CampaignMetric
	err := s.search(ctx, query, func(rec connectors.Record) {
		id := rec.String("campaign.id")
		day, errDay := time.Parse(time.DateOnly, rec.String("segments.date"))
		cost, errCost := rec.Float("metrics.costMicros")
		impressions, errImpressions := rec.Int("metrics.impressions")
		clicks, errClicks := rec.Int("metrics.clicks")
		conversions, errConversions := rec.Float("metrics.conversions")
		revenue, errRevenue := rec.Float("metrics.conversionsValue")
		if id == "" || errors.Join(errDay, errCost, errImpressions, errClicks, errConversions, errRevenue) != nil {
			collector.Skip("metrics", "unparseable metrics row for campaign "+id)
			return
		}

		metrics = append(metrics, models.CampaignMetric{
			CampaignID:  id,
			DateBucket:  day,
			Spend:       cost / microsPerUnit,
			Impressions: impressions,
			Clicks:      clicks,
			Conversions: conversions,
			Revenue:     revenue,
		})
	})
	return metrics, err
}

type searchRequest struct {
	Query     string `json:"query"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

// search walks nextPageToken pages of a query
func (s *session) search(ctx context.Context, query string, each func(connectors.Record)) error {
	request := searchRequest{Query: query, PageSize: pageSize}

	for page := 0; page < maxPages; page++ {
		resp, err := s.client.PostJSON(ctx, s.searchURL, request, s.headers)
		if err != nil {
			return connectors.ClassifyTransport(platform, err)
		}
		if err := connectors.ClassifyResponse(platform, resp); err != nil {
			return err
		}

		records, root, err := connectors.DecodeRecords(resp.Body, "results")
		if err != nil {
			return failures.MalformedResponse(platform, err, "invalid search page")
		}
		for _, rec := range records {
			each(rec)
		}

		request.PageToken = root.String("nextPageToken")
		if request.PageToken == "" {
			return nil
		}
	}
	return nil
}

func dateFilter(window models.Window) string {
	return fmt.Sprintf(" WHERE segments.date BETWEEN '%s' AND '%s'",
		window.Start.Format(time.DateOnly), window.End.Format(time.DateOnly))
}

func normalizeCustomerID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}

func mapStatus(status string) models.CampaignStatus {
	switch strings.ToUpper(status) {
	case "ENABLED":
		return models.CampaignStatusActive
	case "PAUSED":
		return models.CampaignStatusPaused
	case "REMOVED":
		return models.CampaignStatusArchived
	default:
		return models.CampaignStatusUnknown
	}
}
