package backoff

import "time"

// Calculator turns a Strategy into non-negative delays.
type Calculator struct {
	strategy Strategy
}

// NewCalculator returns a calculator using strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// Next returns the delay after attempt. Negative results are reported as zero.
func (c *Calculator) Next(attempt int) time.Duration {
	if c.strategy == nil {
		return 0
	}
	return max(c.strategy.Delay(attempt), 0)
}
