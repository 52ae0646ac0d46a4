package suppliers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/gateway/httpclient"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultPageSize  = 5000
	fetchTimeout     = 30 * time.Second
	isoMillis        = "2006-01-02T15:04:05.000Z"
	maxErrorBodySize = 1024
)

// resource -> record type
var dejongResourceTypes = map[string]string{
	"consumptions": "Consumption",
	"events":       "Event",
}

// DejongAdapter polls the Dejong REST API. It does not accept webhooks.
type DejongAdapter struct {
	name       string
	baseURL    string
	pageSize   int
	resources  []string
	client     *http.Client
	dispatcher dispatcher
}

// FetchError is returned when the vendor API answers with a non-2xx status.
type FetchError struct {
	Resource   string
	Page       int
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %d: status %d", e.Resource, e.Page, e.StatusCode)
}

func NewDejongAdapterFromConfig(name string, cfg SupplierConfig) (Adapter, error) {
	var client *http.Client
	switch {
	case cfg.OAuth != nil:
		client = httpclient.NewClientCredentials(clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}, fetchTimeout)
	case cfg.APIKey != "":
		client = httpclient.NewBearer(cfg.APIKey, fetchTimeout)
	default:
		client = httpclient.New(fetchTimeout)
	}
	adapter, err := NewDejongAdapter(name, cfg, client)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func NewDejongAdapter(name string, cfg SupplierConfig, client *http.Client) (*DejongAdapter, error) {
	resources := cfg.Resources
	if len(resources) == 0 {
		resources = []string{"consumptions", "events"}
	}
	for _, resource := range resources {
		if _, ok := dejongResourceTypes[resource]; !ok {
			return nil, fmt.Errorf("dejong: unsupported resource %q", resource)
		}
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	a := &DejongAdapter{
		name:      name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:  pageSize,
		resources: resources,
		client:    client,
	}
	a.dispatcher = dispatcher{
		supplier: name,
		handlers: map[string]EventHandler{
			"Consumption": a.itemHandler("Consumption"),
			"Event":       a.itemHandler("Event"),
		},
		fallback:     a.itemHandler("Event"),
		allowUntyped: true,
		now:          time.Now,
	}
	return a, nil
}

func (a *DejongAdapter) Name() string        { return a.name }
func (a *DejongAdapter) Label() string       { return "Dejong" }
func (a *DejongAdapter) Resources() []string { return a.resources }

func (a *DejongAdapter) Verify(r *http.Request, body []byte) Verification {
	return Passed()
}

func (a *DejongAdapter) HandleEvent(event Event) (*models.TelemetryRecord, error) {
	return a.dispatcher.dispatch(event)
}

func (a *DejongAdapter) itemHandler(recordType string) EventHandler {
	return func(item Event) (*models.TelemetryRecord, error) {
		id := item.String("id")
		if id == "" {
			id = syntheticID("dejong_")
		}
		occurred, _ := item.Time("timestamp")
		return &models.TelemetryRecord{
			Type:       recordType,
			EventID:    id,
			DeviceID:   item.String("machine_id"),
			OccurredAt: occurred,
			Payload:    item,
		}, nil
	}
}

type dejongPage struct {
	Data        []map[string]interface{} `json:"data"`
	NextPageURL interface{}              `json:"next_page_url"`
}

func (a *DejongAdapter) FetchSince(ctx context.Context, resource string, start, end time.Time) ([]models.TelemetryRecord, error) {
	recordType, ok := dejongResourceTypes[resource]
	if !ok {
		return nil, fmt.Errorf("dejong: unsupported resource %q", resource)
	}
	handler := a.dispatcher.handlers[recordType]

	var records []models.TelemetryRecord
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		body, err := a.fetchPage(ctx, resource, page, start, end)
		if err != nil {
			return records, err
		}

		for _, item := range body.Data {
			record, err := handler(Event(item))
			if err == nil {
				record, err = a.dispatcher.finish(record)
			}
			if err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"supplier": a.name,
					"resource": resource,
					"page":     page,
				}).Warn("Skipping unmappable item")
				continue
			}
			records = append(records, *record)
		}

		if len(body.Data) == 0 || getString(body.NextPageURL) == "" {
			return records, nil
		}
	}
}

func (a *DejongAdapter) fetchPage(ctx context.Context, resource string, page int, start, end time.Time) (*dejongPage, error) {
	query := url.Values{}
	query.Set("filter[start_date]", start.UTC().Format(isoMillis))
	query.Set("filter[end_date]", end.UTC().Format(isoMillis))
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(a.pageSize))
	query.Set("sort", "timestamp")

	endpoint := fmt.Sprintf("%s/%s?%s", a.baseURL, resource, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", httpclient.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s page %d: %w", resource, page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &FetchError{Resource: resource, Page: page, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var body dejongPage
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s page %d: %w", resource, page, err)
	}
	return &body, nil
}
