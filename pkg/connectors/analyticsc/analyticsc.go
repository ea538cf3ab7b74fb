// Package analyticsc implements the connector for the AnalyticsC reporting API.
package analyticsc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
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
	FieldServiceAccountJSON = "service_account_json"
	FieldPropertyID         = "property_id"

	DefaultBaseURL = "https://analyticsdata.googleapis.com/v1beta"
	Scope          = "https://www.googleapis.com/auth/analytics.readonly"
	pageSize       = 10000
	maxPages       = 100
	reportDate     = "20060102"
)

var platform = string(models.PlatformAnalyticsC)

// Config configures the AnalyticsC connector
type Config struct {
	BaseURL string
	// TokenURL overrides the token endpoint of the service account
	TokenURL string
}

// Connector fetches per-campaign daily sessions, conversions and revenue from AnalyticsC
type Connector struct {
	client *httpclient.Client
	tokens *auth.TokenCache
	cfg    Config
	logger ectologger.Logger
}

// New creates an AnalyticsC connector
func New(client *httpclient.Client, tokens *auth.TokenCache, cfg Config, logger ectologger.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Connector{
		client: client,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformAnalyticsC
}

func (c *Connector) CredentialFields() []connectors.FieldSpec {
	return []connectors.FieldSpec{
		{Name: FieldServiceAccountJSON, Secret: true, Required: true, Rules: "json"},
		{Name: FieldPropertyID, Required: true, Rules: "numeric"},
	}
}

// Fetch runs the campaign report for the window. AnalyticsC has no campaign or creative
// entities, so campaign scope contributes nothing.
func (c *Connector) Fetch(ctx context.Context, creds connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "AnalyticsC.Fetch")
	defer span.End()

	result := &connectors.Result{}
	if !scope.IncludesMetrics() {
		return result, nil
	}

	headers, err := c.authorize(ctx, creds)
	if err != nil {
		return nil, err
	}

	collector := connectors.NewCollector(platform)
	metrics, err := c.report(ctx, creds.Get(FieldPropertyID), window, headers, collector)
	if hard := collector.Record("report", err); hard != nil {
		return nil, hard
	}
	result.Metrics = metrics

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"platform": platform,
		"metrics":  len(result.Metrics),
	}).Debug("AnalyticsC fetch finished")

	return collector.Finish(result)
}

func (c *Connector) authorize(ctx context.Context, creds connectors.Credentials) (map[string]string, error) {
	raw := []byte(creds.Get(FieldServiceAccountJSON))
	jwtCfg, err := google.JWTConfigFromJSON(raw, Scope)
	if err != nil || jwtCfg.Email == "" || len(jwtCfg.PrivateKey) == 0 {
		return nil, failures.AuthInvalid(platform, "invalid service account key")
	}
	if c.cfg.TokenURL != "" {
		jwtCfg.TokenURL = c.cfg.TokenURL
	}

	sum := sha256.Sum256(append([]byte(jwtCfg.Email+"|"+jwtCfg.PrivateKeyID+"|"), jwtCfg.PrivateKey...))
	cacheKey := platform + ":" + hex.EncodeToString(sum[:8])

	token, err := c.tokens.TokenSource(ctx, cacheKey, jwtCfg.TokenSource(ctx)).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, failures.AuthInvalid(platform, "service account rejected: %s", retrieveErr.ErrorCode)
		}
		return nil, connectors.ClassifyTransport(platform, err)
	}

	return map[string]string{"Authorization": token.Type() + " " + token.AccessToken}, nil
}

type dimension struct {
	Name string `json:"name"`
}

type metric struct {
	Name string `json:"name"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type reportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []dimension `json:"dimensions"`
	Metrics    []metric    `json:"metrics"`
	Offset     int         `json:"offset,omitempty"`
	Limit      int         `json:"limit"`
}

func (c *Connector) report(ctx context.Context, propertyID string, window models.Window, headers map[string]string, collector *connectors.Collector) ([]models.CampaignMetric, error) {
	reportURL := fmt.Sprintf("%s/properties/%s:runReport", c.cfg.BaseURL, propertyID)
	request := reportRequest{
		DateRanges: []dateRange{{StartDate: window.Start.Format(time.DateOnly), EndDate: window.End.Format(time.DateOnly)}},
		Dimensions: []dimension{{Name: "date"}, {Name: "sessionCampaignId"}},
		Metrics:    []metric{{Name: "sessions"}, {Name: "conversions"}, {Name: "totalRevenue"}},
		Limit:      pageSize,
	}

	var metrics []models.CampaignMetric
	for page := 0; page < maxPages; page++ {
		resp, err := c.client.PostJSON(ctx, reportURL, request, headers)
		if err != nil {
			return nil, connectors.ClassifyTransport(platform, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, failures.AuthInvalid(platform, "property %s not accessible", propertyID)
		}
		if err := connectors.ClassifyResponse(platform, resp); err != nil {
			return nil, err
		}

		rows, root, err := connectors.DecodeRecords(resp.Body, "rows")
		if err != nil {
			return nil, failures.MalformedResponse(platform, err, "invalid report page")
		}

		for _, row := range rows {
			m, err := parseRow(row)
			if err != nil {
				collector.Skip("report", err.Error())
				continue
			}
			// traffic without a campaign is not attributable
			if m.CampaignID == "" || m.CampaignID == "(not set)" {
				continue
			}
			metrics = append(metrics, m)
		}

		rowCount, _ := root.Int("rowCount")
		request.Offset += len(rows)
		if len(rows) == 0 || int64(request.Offset) >= rowCount {
			break
		}
	}
	return mergeByDay(metrics), nil
}

func parseRow(row connectors.Record) (models.CampaignMetric, error) {
	rawDate := row.String("dimensionValues[0].value")
	day, err := time.Parse(reportDate, rawDate)
	if err != nil {
		return models.CampaignMetric{}, fmt.Errorf("row with invalid date %q", rawDate)
	}

	sessions, errSessions := row.Int("metricValues[0].value")
	conversions, errConversions := row.Float("metricValues[1].value")
	revenue, errRevenue := row.Float("metricValues[2].value")
	if err := errors.Join(errSessions, errConversions, errRevenue); err != nil {
		return models.CampaignMetric{}, fmt.Errorf("row %s: %w", rawDate, err)
	}

	return models.CampaignMetric{
		CampaignID:  row.String("dimensionValues[1].value"),
		DateBucket:  day,
		Sessions:    sessions,
		Conversions: conversions,
		Revenue:     revenue,
	}, nil
}

// mergeByDay sums rows sharing (campaign, day), which the report can split by other attributes
func mergeByDay(in []models.CampaignMetric) []models.CampaignMetric {
	index := map[string]int{}
	out := make([]models.CampaignMetric, 0, len(in))
	for _, m := range in {
		key := m.CampaignID + "|" + strconv.FormatInt(m.DateBucket.Unix(), 10)
		if i, ok := index[key]; ok {
			out[i].Sessions += m.Sessions
			out[i].Conversions += m.Conversions
			out[i].Revenue += m.Revenue
			continue
		}
		index[key] = len(out)
		out = append(out, m)
	}
	return out
}
