package dataprovider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

// httpTimeout bounds every provider request. Slow sources are treated
// as unavailable rather than stalling a scan worker.
const httpTimeout = 10 * time.Second

func newRestyClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(httpTimeout).
		SetHeader("User-Agent", "tradecore-engine/1.0")
}

// ---------------------------------------------------------------------------
// Yahoo Finance (free, no auth)

type yahooProvider struct {
	id     string
	client *resty.Client
}

func newYahooProvider(rec storage.ProviderRecord) *yahooProvider {
	base := rec.Config["base_url"]
	if base == "" {
		base = "https://query1.finance.yahoo.com"
	}
	return &yahooProvider{id: rec.ID, client: newRestyClient(base)}
}

func (p *yahooProvider) ID() string      { return p.id }
func (p *yahooProvider) Available() bool { return true }

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

var yahooIntervals = map[domain.Timeframe]string{
	domain.TimeframeM1:  "1m",
	domain.TimeframeM5:  "5m",
	domain.TimeframeM15: "15m",
	domain.TimeframeM30: "30m",
	domain.TimeframeH1:  "60m",
	domain.TimeframeH4:  "60m", // resampled below
	domain.TimeframeD1:  "1d",
	domain.TimeframeW1:  "1wk",
	domain.TimeframeMN1: "1mo",
}

func (p *yahooProvider) FetchOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	interval, ok := yahooIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("yahoo does not serve timeframe %s", timeframe)
	}
	span := time.Duration(count+1) * timeframe.Duration()

	var body yahooChartResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval": interval,
			"period1":  strconv.FormatInt(time.Now().Add(-span).Unix(), 10),
			"period2":  strconv.FormatInt(time.Now().Unix(), 10),
		}).
		SetResult(&body).
		Get("/v8/finance/chart/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("yahoo request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("yahoo returned %s", resp.Status())
	}
	if body.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo error: %s", body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 || len(body.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	res := body.Chart.Result[0]
	quote := res.Indicators.Quote[0]
	bars := make([]domain.Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.Close) {
			break
		}
		// Yahoo pads incomplete candles with zeros.
		if quote.Open[i] == 0 && quote.Close[i] == 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      quote.Open[i],
			High:      quote.High[i],
			Low:       quote.Low[i],
			Close:     quote.Close[i],
			Volume:    quote.Volume[i],
		})
	}
	if timeframe == domain.TimeframeH4 {
		bars = resample(bars, 4)
	}
	return tail(bars, count), nil
}

// resample merges n consecutive bars into one.
func resample(bars []domain.Bar, n int) []domain.Bar {
	if n <= 1 || len(bars) == 0 {
		return bars
	}
	out := make([]domain.Bar, 0, len(bars)/n+1)
	for i := 0; i < len(bars); i += n {
		end := i + n
		if end > len(bars) {
			end = len(bars)
		}
		merged := bars[i]
		for _, b := range bars[i+1 : end] {
			if b.High > merged.High {
				merged.High = b.High
			}
			if b.Low < merged.Low {
				merged.Low = b.Low
			}
			merged.Close = b.Close
			merged.Volume += b.Volume
		}
		out = append(out, merged)
	}
	return out
}

func tail(bars []domain.Bar, count int) []domain.Bar {
	if count > 0 && len(bars) > count {
		return bars[len(bars)-count:]
	}
	return bars
}

// ---------------------------------------------------------------------------
// Twelve Data (API key)

type twelveDataProvider struct {
	id     string
	apiKey string
	client *resty.Client
}

func newTwelveDataProvider(rec storage.ProviderRecord) *twelveDataProvider {
	base := rec.Config["base_url"]
	if base == "" {
		base = "https://api.twelvedata.com"
	}
	return &twelveDataProvider{
		id:     rec.ID,
		apiKey: rec.Credentials["api_key"],
		client: newRestyClient(base),
	}
}

func (p *twelveDataProvider) ID() string      { return p.id }
func (p *twelveDataProvider) Available() bool { return p.apiKey != "" }

var twelveDataIntervals = map[domain.Timeframe]string{
	domain.TimeframeM1:  "1min",
	domain.TimeframeM5:  "5min",
	domain.TimeframeM15: "15min",
	domain.TimeframeM30: "30min",
	domain.TimeframeH1:  "1h",
	domain.TimeframeH4:  "4h",
	domain.TimeframeD1:  "1day",
	domain.TimeframeW1:  "1week",
	domain.TimeframeMN1: "1month",
}

type twelveDataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

func (p *twelveDataProvider) FetchOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	interval, ok := twelveDataIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("twelvedata does not serve timeframe %s", timeframe)
	}

	var body twelveDataResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"interval":   interval,
			"outputsize": strconv.Itoa(count),
			"apikey":     p.apiKey,
		}).
		SetResult(&body).
		Get("/time_series")
	if err != nil {
		return nil, fmt.Errorf("twelvedata request failed: %w", err)
	}
	if resp.IsError() || body.Status == "error" {
		return nil, fmt.Errorf("twelvedata error: %s", body.Message)
	}

	// Twelve Data returns newest-first.
	bars := make([]domain.Bar, 0, len(body.Values))
	for i := len(body.Values) - 1; i >= 0; i-- {
		v := body.Values[i]
		ts, err := time.Parse("2006-01-02 15:04:05", v.Datetime)
		if err != nil {
			ts, err = time.Parse("2006-01-02", v.Datetime)
			if err != nil {
				continue
			}
		}
		bars = append(bars, domain.Bar{
			Timestamp: ts.UTC(),
			Open:      atof(v.Open),
			High:      atof(v.High),
			Low:       atof(v.Low),
			Close:     atof(v.Close),
			Volume:    atof(v.Volume),
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Alpha Vantage (API key)

type alphaVantageProvider struct {
	id     string
	apiKey string
	client *resty.Client
}

func newAlphaVantageProvider(rec storage.ProviderRecord) *alphaVantageProvider {
	base := rec.Config["base_url"]
	if base == "" {
		base = "https://www.alphavantage.co"
	}
	return &alphaVantageProvider{
		id:     rec.ID,
		apiKey: rec.Credentials["api_key"],
		client: newRestyClient(base),
	}
}

func (p *alphaVantageProvider) ID() string      { return p.id }
func (p *alphaVantageProvider) Available() bool { return p.apiKey != "" }

func (p *alphaVantageProvider) FetchOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	params := map[string]string{
		"symbol":     symbol,
		"apikey":     p.apiKey,
		"outputsize": "compact",
	}
	switch timeframe {
	case domain.TimeframeD1:
		params["function"] = "TIME_SERIES_DAILY"
	case domain.TimeframeW1:
		params["function"] = "TIME_SERIES_WEEKLY"
	case domain.TimeframeMN1:
		params["function"] = "TIME_SERIES_MONTHLY"
	case domain.TimeframeM1, domain.TimeframeM5, domain.TimeframeM15,
		domain.TimeframeM30, domain.TimeframeH1:
		params["function"] = "TIME_SERIES_INTRADAY"
		params["interval"] = map[domain.Timeframe]string{
			domain.TimeframeM1:  "1min",
			domain.TimeframeM5:  "5min",
			domain.TimeframeM15: "15min",
			domain.TimeframeM30: "30min",
			domain.TimeframeH1:  "60min",
		}[timeframe]
	default:
		return nil, fmt.Errorf("alphavantage does not serve timeframe %s", timeframe)
	}

	var body map[string]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get("/query")
	if err != nil {
		return nil, fmt.Errorf("alphavantage request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("alphavantage returned %s", resp.Status())
	}
	if msg, ok := body["Error Message"].(string); ok {
		return nil, fmt.Errorf("alphavantage error: %s", msg)
	}
	if msg, ok := body["Note"].(string); ok {
		return nil, fmt.Errorf("alphavantage throttled: %s", msg)
	}

	// The series key varies by function ("Time Series (5min)" etc.);
	// pick the one map-of-maps value that is not metadata.
	var series map[string]any
	for key, val := range body {
		if key == "Meta Data" {
			continue
		}
		if m, ok := val.(map[string]any); ok {
			series = m
			break
		}
	}
	if series == nil {
		return nil, nil
	}

	bars := make([]domain.Bar, 0, len(series))
	for stamp, val := range series {
		fields, ok := val.(map[string]any)
		if !ok {
			continue
		}
		ts, err := time.Parse("2006-01-02 15:04:05", stamp)
		if err != nil {
			ts, err = time.Parse("2006-01-02", stamp)
			if err != nil {
				continue
			}
		}
		bars = append(bars, domain.Bar{
			Timestamp: ts.UTC(),
			Open:      avField(fields, "1. open"),
			High:      avField(fields, "2. high"),
			Low:       avField(fields, "3. low"),
			Close:     avField(fields, "4. close"),
			Volume:    avField(fields, "5. volume"),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return tail(bars, count), nil
}

func avField(fields map[string]any, key string) float64 {
	if s, ok := fields[key].(string); ok {
		return atof(s)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Bridge (CCXT / MT5 side services exposing a uniform OHLC endpoint)

type bridgeProvider struct {
	id     string
	kind   storage.ProviderKind
	client *resty.Client
	ready  bool
}

func newBridgeProvider(rec storage.ProviderRecord) *bridgeProvider {
	base := rec.Config["base_url"]
	p := &bridgeProvider{
		id:    rec.ID,
		kind:  rec.Kind,
		ready: base != "",
	}
	if p.ready {
		client := newRestyClient(base)
		if rec.Kind == storage.ProviderCCXT {
			client.SetQueryParam("exchange", rec.Config["exchange"])
		}
		p.client = client
	}
	return p
}

func (p *bridgeProvider) ID() string      { return p.id }
func (p *bridgeProvider) Available() bool { return p.ready }

type bridgeBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (p *bridgeProvider) FetchOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	var body []bridgeBar
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": string(timeframe),
			"count":     strconv.Itoa(count),
		}).
		SetResult(&body).
		Get("/ohlc")
	if err != nil {
		return nil, fmt.Errorf("%s bridge request failed: %w", p.kind, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s bridge returned %s", p.kind, resp.Status())
	}

	bars := make([]domain.Bar, 0, len(body))
	for _, b := range body {
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(b.Time, 0).UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars, nil
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
