package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const infinityLiteral = "Infinity"

// Ratio 为可以取无穷大的比值，JSON 中无穷大编码为字符串 "Infinity"。
type Ratio struct {
	Value    float64
	Infinite bool
}

func Finite(v float64) Ratio { return Ratio{Value: v} }

func Infinite() Ratio { return Ratio{Value: math.Inf(1), Infinite: true} }

// Float 返回数值形式，无穷大时为 +Inf。
func (r Ratio) Float() float64 {
	if r.Infinite {
		return math.Inf(1)
	}
	return r.Value
}

func (r Ratio) String() string {
	if r.Infinite {
		return infinityLiteral
	}
	return strconv.FormatFloat(r.Value, 'f', 2, 64)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	if r.Infinite {
		return []byte(`"` + infinityLiteral + `"`), nil
	}
	return json.Marshal(r.Value)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"`+infinityLiteral+`"`)) {
		*r = Infinite()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid ratio %s: %w", data, err)
	}
	*r = Finite(v)
	return nil
}
