package market

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseKlinesJSON 解析交易所 REST 的二维数组格式：
// [[openTime,"open","high","low","close","volume",closeTime,...], ...]
func ParseKlinesJSON(raw []byte) ([]Candle, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid kline json")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, fmt.Errorf("kline json must be an array")
	}
	var (
		out    []Candle
		rowErr error
	)
	root.ForEach(func(key, row gjson.Result) bool {
		if !row.IsArray() {
			rowErr = fmt.Errorf("kline row %d is not an array", key.Int())
			return false
		}
		cols := row.Array()
		if len(cols) < 6 {
			rowErr = fmt.Errorf("kline row %d has %d columns", key.Int(), len(cols))
			return false
		}
		c := Candle{
			OpenTime: cols[0].Int(),
			Open:     cols[1].Float(),
			High:     cols[2].Float(),
			Low:      cols[3].Float(),
			Close:    cols[4].Float(),
			Volume:   cols[5].Float(),
		}
		if len(cols) > 6 {
			c.CloseTime = cols[6].Int()
		}
		out = append(out, c)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return out, nil
}
