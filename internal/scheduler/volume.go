package scheduler

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"volume-core/internal/symbols"
	"volume-core/pkg/exchanges/common"
)

// VolumeSample is one QueryRealVolume result. Values are in real quote
// volume, after dividing out the token's multiplier.
type VolumeSample struct {
	Samples    []float64 `json:"samples"`
	Average    float64   `json:"average"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Spread     float64   `json:"spread"`
	Consistent bool      `json:"consistent"`
}

// QueryRealVolume samples the venue's reported daily volume for the token
// SampleCount times, SampleInterval apart, and averages the real values.
// A spread above SpreadThreshold of the max is logged but the average is
// still returned.
func (s *Scheduler) QueryRealVolume(ctx context.Context, userID string, creds common.Credentials, m symbols.Mapping) (VolumeSample, error) {
	mul := m.MulPoint
	if mul <= 0 {
		mul = 1
	}
	out := VolumeSample{Samples: make([]float64, 0, s.cfg.SampleCount)}
	for i := 0; i < s.cfg.SampleCount; i++ {
		if i > 0 {
			if err := sleep(ctx, s.cfg.SampleInterval); err != nil {
				return out, err
			}
		}
		raw, err := s.account.GetTodayVolume(ctx, creds, m.AlphaID)
		if err != nil {
			return out, fmt.Errorf("query volume %s: %w", m.ShortSymbol, err)
		}
		out.Samples = append(out.Samples, raw/mul)
	}
	summarize(&out, s.cfg.SpreadThreshold)
	if !out.Consistent {
		s.log.Warn("reported volume inconsistent across samples; using average",
			zap.String("user", userID),
			zap.String("token", m.ShortSymbol),
			zap.Float64s("samples", out.Samples),
			zap.Float64("spread", out.Spread),
			zap.Float64("average", out.Average))
	}
	return out, nil
}

func summarize(v *VolumeSample, threshold float64) {
	if len(v.Samples) == 0 {
		v.Consistent = true
		return
	}
	sum := decimal.Zero
	v.Min, v.Max = v.Samples[0], v.Samples[0]
	for _, x := range v.Samples {
		sum = sum.Add(decimal.NewFromFloat(x))
		v.Min = min(v.Min, x)
		v.Max = max(v.Max, x)
	}
	v.Average = sum.Div(decimal.NewFromInt(int64(len(v.Samples)))).InexactFloat64()
	if v.Max > 0 {
		hi := decimal.NewFromFloat(v.Max)
		v.Spread = hi.Sub(decimal.NewFromFloat(v.Min)).Div(hi).InexactFloat64()
	}
	v.Consistent = v.Spread <= threshold
}

// CalculateLoops returns how many single-amount trades cover remaining,
// rounded up and never below one.
func CalculateLoops(remaining, single float64) int {
	if single <= 0 || remaining <= 0 {
		return 1
	}
	n := decimal.NewFromFloat(remaining).Div(decimal.NewFromFloat(single)).Ceil().IntPart()
	if n < 1 {
		return 1
	}
	return int(n)
}
