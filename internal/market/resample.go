package market

import "fmt"

// Resample 将基础周期 K 线聚合为更高周期。只输出完整的桶，
// 尾部未收盘的桶被丢弃。
func Resample(base []Candle, from, to Timeframe) ([]Candle, error) {
	if from.Duration <= 0 || to.Duration <= 0 {
		return nil, fmt.Errorf("invalid timeframe")
	}
	if to.Duration == from.Duration {
		out := make([]Candle, len(base))
		copy(out, base)
		return out, nil
	}
	if to.Duration < from.Duration || to.Duration%from.Duration != 0 {
		return nil, fmt.Errorf("cannot resample %s into %s", from.Key, to.Key)
	}
	per := int(to.Duration / from.Duration)
	step := to.Millis()
	var (
		out   []Candle
		cur   Candle
		count int
		start int64 = -1
	)
	for _, c := range base {
		bucket := alignDown(c.OpenTime, step)
		if bucket != start {
			if count == per {
				out = append(out, cur)
			}
			start = bucket
			cur = Candle{
				OpenTime:  bucket,
				CloseTime: bucket + step - 1,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			count = 1
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
		count++
	}
	if count == per {
		out = append(out, cur)
	}
	return out, nil
}
