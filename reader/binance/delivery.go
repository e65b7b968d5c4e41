package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/adshao/go-binance/v2/common"

	"klineflow/models"
)

const deliveryAggTradesPath = "/dapi/v1/aggTrades"

// deliveryAggTrade is one row of the COIN-M aggTrades endpoint, which the
// delivery client does not wrap.
type deliveryAggTrade struct {
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// deliveryAggTradesPage requests one page of COIN-M aggregated trades from
// the delivery client's base URL with its HTTP client. Error bodies are
// decoded into common.APIError so retryable treats them like SDK errors.
func (f *Fetcher) deliveryAggTradesPage(ctx context.Context, symbol string, fromID int64) ([]models.AggTrade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("fromId", strconv.FormatInt(fromID, 10))
	q.Set("limit", strconv.Itoa(f.pageLimit))
	endpoint := f.cm.BaseURL + deliveryAggTradesPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.cm.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &common.APIError{}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || !apiErr.IsValid() {
			apiErr.Response = body
		}
		return nil, apiErr
	}

	var raw []deliveryAggTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
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
}
