package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
)

// Provider resolves one public address against an upstream service.
type Provider interface {
	Lookup(ctx context.Context, addr string) (model.GeoFields, error)
}

// HTTPProvider queries an ipapi-style endpoint: GET {base}/{addr}/json/.
type HTTPProvider struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  *url.URL
	startNow func() time.Time // for tests
}

func NewHTTPProvider(logger *slog.Logger, client *http.Client, base string) (*HTTPProvider, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse geo base url: %w", err)
	}
	return &HTTPProvider{
		logger:   logger,
		client:   client,
		baseURL:  u,
		startNow: time.Now,
	}, nil
}

type upstreamResponse struct {
	Error     bool     `json:"error"`
	Reason    string   `json:"reason"`
	Country   string   `json:"country_name"`
	Region    string   `json:"region"`
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timezone  string   `json:"timezone"`
	Org       string   `json:"org"`
	ASN       string   `json:"asn"`
	ISP       string   `json:"isp"`
}

func (p *HTTPProvider) Lookup(ctx context.Context, addr string) (model.GeoFields, error) {
	u := *p.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(addr) + "/json/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.GeoFields{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := p.startNow()
	resp, err := p.client.Do(req)
	if err != nil {
		return model.GeoFields{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveGeoUpstream(dur.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return model.GeoFields{}, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var ur upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ur); err != nil {
		return model.GeoFields{}, fmt.Errorf("decode body: %w", err)
	}
	if ur.Error {
		return model.GeoFields{}, fmt.Errorf("upstream rejected %q: %s", addr, ur.Reason)
	}

	isp := ur.ISP
	if isp == "" {
		isp = ur.ASN
	}
	return model.GeoFields{
		Country:      ur.Country,
		Region:       ur.Region,
		City:         ur.City,
		Latitude:     ur.Latitude,
		Longitude:    ur.Longitude,
		Timezone:     ur.Timezone,
		ISP:          isp,
		Organization: ur.Org,
		Status:       model.GeoResolved,
	}, nil
}
