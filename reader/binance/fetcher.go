package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	spot "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
)

// errMalformed marks a response that parsed as JSON but carried values that
// are not numbers. Retrying will not help.
var errMalformed = errors.New("malformed exchange payload")

// Fetcher retrieves closed key ranges of aggregated trades and candles for
// one instrument.
type Fetcher struct {
	market    string
	spot      *spot.Client
	um        *futures.Client
	cm        *delivery.Client
	limiter   *rate.Limiter
	pageLimit int
	retry     config.RetryConfig
	log       *logger.Log
}

// NewFetcher builds the exchange client for the instrument's market. When
// inst.LocalIP is set outbound connections are bound to it.
func NewFetcher(cfg config.BinanceSourceConfig, inst config.Instrument) (*Fetcher, error) {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	if inst.LocalIP != "" {
		ip := net.ParseIP(inst.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("%w: bad local ip '%s'", config.ErrInvalidInstrument, inst.LocalIP)
		}
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
		transport.DialContext = dialer.DialContext
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	f := &Fetcher{
		market:    inst.Market,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), max(cfg.RateLimit.BurstSize, 1)),
		pageLimit: cfg.PageLimit,
		retry:     cfg.Retry,
		log:       log,
	}
	if f.pageLimit <= 0 || f.pageLimit > 1000 {
		f.pageLimit = 1000
	}
	if f.retry.MaxAttempts <= 0 {
		f.retry.MaxAttempts = 1
	}

	switch inst.Market {
	case config.MarketSpot:
		f.spot = spot.NewClient("", "")
		f.spot.HTTPClient = httpClient
		if cfg.SpotURL != "" {
			f.spot.BaseURL = cfg.SpotURL
		}
	case config.MarketFuturesUM:
		f.um = futures.NewClient("", "")
		f.um.HTTPClient = httpClient
		if cfg.FuturesURL != "" {
			f.um.BaseURL = cfg.FuturesURL
		}
	case config.MarketFuturesCM:
		f.cm = delivery.NewClient("", "")
		f.cm.HTTPClient = httpClient
		if cfg.DeliveryURL != "" {
			f.cm.BaseURL = cfg.DeliveryURL
		}
	default:
		return nil, fmt.Errorf("%w: unknown market '%s'", config.ErrInvalidInstrument, inst.Market)
	}

	log.WithComponent("fetcher").WithFields(logger.Fields{
		"market":             inst.Market,
		"symbol":             inst.Symbol,
		"local_ip":           inst.LocalIP,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Timeout,
		"requests_per_sec":   cfg.RateLimit.RequestsPerSecond,
	}).Info("binance fetcher initialized")

	return f, nil
}

// FetchAggTrades retrieves every aggregated trade with start <= id <= end.
// Ids the exchange does not return, or that could not be fetched after
// retries, are reported in Missing.
func (f *Fetcher) FetchAggTrades(ctx context.Context, symbol string, start, end int64) models.FetchResult[models.AggTrade] {
	var res models.FetchResult[models.AggTrade]
	if end < start {
		return res
	}
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"market": f.market,
		"symbol": symbol,
		"start":  start,
		"end":    end,
	})
	begin := time.Now()

	next := start
	for next <= end {
		var page []models.AggTrade
		err := f.withRetry(ctx, "agg_trades", func() error {
			var err error
			page, err = f.aggTradesPage(ctx, symbol, next)
			return err
		})
		if err != nil {
			res.Err = err
			log.WithError(err).WithFields(logger.Fields{"from_id": next}).Warn("giving up on range")
			break
		}
		progressed := false
		for _, t := range page {
			if t.ID < next || t.ID > end {
				continue
			}
			res.Records = append(res.Records, t)
			next = t.ID + 1
			progressed = true
		}
		if !progressed {
			break
		}
	}

	ids := make([]int64, len(res.Records))
	for i, t := range res.Records {
		ids[i] = t.ID
	}
	res.Missing = models.MissingInRange(ids, start, end, 1)

	logger.IncrementKeysFetched(len(res.Records))
	logger.LogPerformanceEntry(log, "fetcher", "fetch_agg_trades", time.Since(begin), logger.Fields{
		"records": len(res.Records),
		"missing": models.CountKeys(res.Missing, 1),
	})
	return res
}

// FetchKlines retrieves every candle whose open time lies in
// [startOpen, endOpen].
func (f *Fetcher) FetchKlines(ctx context.Context, symbol string, intervalMs, startOpen, endOpen int64) models.FetchResult[models.Kline] {
	var res models.FetchResult[models.Kline]
	if endOpen < startOpen {
		return res
	}
	interval, err := config.Instrument{Market: f.market, Symbol: symbol}.BinanceInterval(intervalMs)
	if err != nil {
		res.Err = err
		res.Missing = []models.Gap{{Start: startOpen, End: endOpen}}
		return res
	}
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"market":   f.market,
		"symbol":   symbol,
		"interval": interval,
		"start":    startOpen,
		"end":      endOpen,
	})
	begin := time.Now()

	next := startOpen
	for next <= endOpen {
		var page []models.Kline
		err := f.withRetry(ctx, "klines", func() error {
			var err error
			page, err = f.klinesPage(ctx, symbol, interval, next, endOpen)
			return err
		})
		if err != nil {
			res.Err = err
			log.WithError(err).WithFields(logger.Fields{"from_open_time": next}).Warn("giving up on range")
			break
		}
		progressed := false
		for _, k := range page {
			if k.OpenTime < next || k.OpenTime > endOpen {
				continue
			}
			res.Records = append(res.Records, k)
			next = k.CloseTime + 1
			progressed = true
		}
		if !progressed {
			break
		}
	}

	opens := make([]int64, len(res.Records))
	for i, k := range res.Records {
		opens[i] = k.OpenTime
	}
	res.Missing = models.MissingInRange(opens, startOpen, endOpen, intervalMs)

	logger.IncrementKeysFetched(len(res.Records))
	logger.LogPerformanceEntry(log, "fetcher", "fetch_klines", time.Since(begin), logger.Fields{
		"records": len(res.Records),
		"missing": models.CountKeys(res.Missing, intervalMs),
	})
	return res
}

// withRetry runs op under the rate limiter with bounded exponential backoff.
func (f *Fetcher) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := f.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= f.retry.MaxAttempts || !retryable(err) {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		f.log.WithComponent("fetcher").WithError(err).WithFields(logger.Fields{
			"operation": op,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		}).Warn("request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if f.retry.BackoffMultiplier > 1 {
			delay *= time.Duration(f.retry.BackoffMultiplier)
		}
		if f.retry.MaxDelay > 0 && delay > f.retry.MaxDelay {
			delay = f.retry.MaxDelay
		}
	}
}

// retryable rejects errors a repeat cannot fix: cancellations, malformed
// payloads and request errors reported by the exchange (codes -1100..-1199).
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, errMalformed) {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code <= -1100 && apiErr.Code >= -1199 {
		return false
	}
	return true
}

func (f *Fetcher) aggTradesPage(ctx context.Context, symbol string, fromID int64) ([]models.AggTrade, error) {
	switch {
	case f.spot != nil:
		raw, err := f.spot.NewAggTradesService().Symbol(symbol).FromID(fromID).Limit(f.pageLimit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.AggTrade, 0, len(raw))
		for _, t := range raw {
			rec, err := aggTrade(t.AggTradeID, t.Price, t.Quantity, t.FirstTradeID, t.LastTradeID, t.Timestamp, t.IsBuyerMaker)
			if err != nil {
				return nil, err
			}
			rec.IsBestMatch = t.IsBestPriceMatch
			out = append(out, rec)
		}
		return out, nil
	case f.um != nil:
		raw, err := f.um.NewAggTradesService().Symbol(symbol).FromID(fromID).Limit(f.pageLimit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.AggTrade, 0, len(raw))
		for _, t := range raw {
			rec, err := aggTrade(t.AggTradeID, t.Price, t.Quantity, t.FirstTradeID, t.LastTradeID, t.Timestamp, t.IsBuyerMaker)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return f.deliveryAggTradesPage(ctx, symbol, fromID)
	}
}

func (f *Fetcher) klinesPage(ctx context.Context, symbol, interval string, startOpen, endOpen int64) ([]models.Kline, error) {
	switch {
	case f.spot != nil:
		raw, err := f.spot.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(startOpen).EndTime(endOpen).Limit(f.pageLimit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.Kline, 0, len(raw))
		for _, k := range raw {
			rec, err := kline(k.OpenTime, k.CloseTime, k.TradeNum,
				k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume, k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	case f.um != nil:
		raw, err := f.um.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(startOpen).EndTime(endOpen).Limit(f.pageLimit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.Kline, 0, len(raw))
		for _, k := range raw {
			rec, err := kline(k.OpenTime, k.CloseTime, k.TradeNum,
				k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume, k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		raw, err := f.cm.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(startOpen).EndTime(endOpen).Limit(f.pageLimit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.Kline, 0, len(raw))
		for _, k := range raw {
			rec, err := kline(k.OpenTime, k.CloseTime, k.TradeNum,
				k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume, k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}
}

func aggTrade(id int64, price, qty string, first, last, ts int64, buyerMaker bool) (models.AggTrade, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.AggTrade{}, fmt.Errorf("%w: trade %d price %q", errMalformed, id, price)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.AggTrade{}, fmt.Errorf("%w: trade %d qty %q", errMalformed, id, qty)
	}
	return models.AggTrade{
		ID:           id,
		Price:        p,
		Quantity:     q,
		FirstTradeID: first,
		LastTradeID:  last,
		Time:         ts,
		IsBuyerMaker: buyerMaker,
	}, nil
}

func kline(openTime, closeTime, trades int64, fields ...string) (models.Kline, error) {
	k := models.Kline{OpenTime: openTime, CloseTime: closeTime}
	if trades > 0 {
		k.TradesNumber = uint32(min(trades, int64(^uint32(0))))
	}
	dsts := []*decimal.Decimal{
		&k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.QuoteVolume, &k.TakerBuyBaseVolume, &k.TakerBuyQuoteVolume,
	}
	for i, dst := range dsts {
		d, err := decimal.NewFromString(fields[i])
		if err != nil {
			return models.Kline{}, fmt.Errorf("%w: candle %d field %d %q", errMalformed, openTime, i, fields[i])
		}
		*dst = d
	}
	return k, nil
}
