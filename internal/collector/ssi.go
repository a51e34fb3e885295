package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"MarketPulse/internal/model"
)

const ssiBaseURL = "https://fc-data.ssi.com.vn"

// tokenRefreshMargin renews the access token this long before it expires.
const tokenRefreshMargin = 5 * time.Minute

var errUnauthorized = errors.New("ssi: unauthorized")

// ssiTokenManager caches the FastConnect access token.
type ssiTokenManager struct {
	baseURL string
	id      string
	secret  string
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expiry  time.Time
	fetches int
}

func (m *ssiTokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" && m.now().Before(m.expiry.Add(-tokenRefreshMargin)) {
		return m.token, nil
	}
	if m.id == "" || m.secret == "" {
		return "", errors.New("ssi: consumer id and secret are required")
	}

	payload, _ := json.Marshal(map[string]string{"consumerID": m.id, "consumerSecret": m.secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/v2/Market/AccessToken", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ssi token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ssi token: status %d, body: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int    `json:"expiresIn"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ssi token decode: %w", err)
	}
	if out.Data.AccessToken == "" {
		return "", errors.New("ssi token: empty access token")
	}
	if out.Data.ExpiresIn <= 0 {
		out.Data.ExpiresIn = 3600
	}
	m.token = out.Data.AccessToken
	m.expiry = m.now().Add(time.Duration(out.Data.ExpiresIn) * time.Second)
	m.fetches++
	return m.token, nil
}

func (m *ssiTokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

// SSIFetcher implements Fetcher against SSI FastConnect Data.
type SSIFetcher struct {
	BaseURL string
	Client  *http.Client
	now     func() time.Time
	tokens  *ssiTokenManager
}

func NewSSIFetcher(baseURL, consumerID, consumerSecret, proxyURL string, timeout time.Duration) *SSIFetcher {
	if baseURL == "" {
		baseURL = ssiBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := newHTTPClient(proxyURL, timeout)
	return &SSIFetcher{
		BaseURL: baseURL,
		Client:  client,
		now:     time.Now,
		tokens: &ssiTokenManager{
			baseURL: baseURL,
			id:      consumerID,
			secret:  consumerSecret,
			client:  client,
			now:     time.Now,
		},
	}
}

func (f *SSIFetcher) Name() string { return "ssi" }

// ssiBar holds the OHLC row; prices and volume may arrive as strings or numbers.
type ssiBar struct {
	TradingDate string          `json:"TradingDate"`
	Time        string          `json:"Time"`
	Open        decimal.Decimal `json:"Open"`
	High        decimal.Decimal `json:"High"`
	Low         decimal.Decimal `json:"Low"`
	Close       decimal.Decimal `json:"Close"`
	Volume      decimal.Decimal `json:"Volume"`
}

type ssiResponse struct {
	Status  any      `json:"status"`
	Message string   `json:"message"`
	Data    []ssiBar `json:"data"`
}

var vnZone = time.FixedZone("ICT", 7*3600)

func (b ssiBar) timestamp() (time.Time, error) {
	date := strings.TrimSpace(b.TradingDate)
	clock := strings.TrimSpace(b.Time)
	for _, layout := range []string{"02/01/2006", "2006-01-02", "2006-01-02T15:04:05"} {
		d, err := time.ParseInLocation(layout, date, vnZone)
		if err != nil {
			continue
		}
		if clock != "" {
			c, err := time.Parse("15:04:05", clock)
			if err != nil {
				return time.Time{}, fmt.Errorf("bad time %q", b.Time)
			}
			d = time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, vnZone)
		}
		return d.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad trading date %q", b.TradingDate)
}

func (f *SSIFetcher) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.PriceBar, error) {
	endpoint := "/api/v2/Market/IntradayOhlc"
	from := f.now()
	switch tf {
	case model.Intraday:
	case model.Daily:
		endpoint = "/api/v2/Market/DailyOhlc"
		// weekends and holidays
		from = from.AddDate(0, 0, -limit*2)
	default:
		return nil, tf.Validate()
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("fromDate", from.In(vnZone).Format("02/01/2006"))
	q.Set("toDate", f.now().In(vnZone).Format("02/01/2006"))
	q.Set("pageIndex", "1")
	q.Set("pageSize", fmt.Sprint(limit))
	q.Set("ascending", "false")

	resp, err := f.get(ctx, endpoint+"?"+q.Encode())
	if errors.Is(err, errUnauthorized) {
		f.tokens.Invalidate()
		resp, err = f.get(ctx, endpoint+"?"+q.Encode())
	}
	if err != nil {
		return nil, err
	}

	bars := make([]model.PriceBar, 0, len(resp.Data))
	for _, row := range resp.Data {
		ts, err := row.timestamp()
		if err != nil {
			return nil, fmt.Errorf("ssi %s: %w", symbol, err)
		}
		o, _ := row.Open.Float64()
		h, _ := row.High.Float64()
		l, _ := row.Low.Float64()
		c, _ := row.Close.Float64()
		bars = append(bars, model.PriceBar{
			Symbol:    symbol,
			Timeframe: tf,
			Time:      ts,
			Open:      o,
			High:      h,
			Low:       l,
			Close:     c,
			Volume:    row.Volume.IntPart(),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return lastN(bars, limit), nil
}

func (f *SSIFetcher) get(ctx context.Context, path string) (*ssiResponse, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ssi fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ssi: status %d, body: %s", resp.StatusCode, string(body))
	}
	var out ssiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ssi decode: %w", err)
	}
	return &out, nil
}
