package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"perp-pilot/pkg/exchange"
)

func sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// parseKlineRow decodes one row of the REST klines array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(symbol string, row []json.RawMessage) (exchange.Candle, error) {
	var openTime, closeTime int64
	var o, h, l, cl, vol string
	fields := []struct {
		idx int
		dst interface{}
	}{
		{0, &openTime}, {1, &o}, {2, &h}, {3, &l}, {4, &cl}, {5, &vol}, {6, &closeTime},
	}
	for _, f := range fields {
		if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
			return exchange.Candle{}, fmt.Errorf("decode kline field %d: %w", f.idx, err)
		}
	}
	return exchange.Candle{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(openTime),
		CloseTime: time.UnixMilli(closeTime),
		Open:      parseFloat(o),
		High:      parseFloat(h),
		Low:       parseFloat(l),
		Close:     parseFloat(cl),
		Volume:    parseFloat(vol),
		// The last REST row is the running candle.
		Closed: time.UnixMilli(closeTime).Before(time.Now()),
	}, nil
}
