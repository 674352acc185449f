package model

import "time"

// Stats is derived from a candle series and the latest tick; never stored on its own.
type Stats struct {
	Symbol string
	High   float64
	Low    float64
	// HasRange is false when there is neither a candle nor a tick.
	HasRange bool
	// PercentChange is a ratio (0.05 == +5%). Only meaningful when HasChange is set.
	PercentChange float64
	IsPositive    bool
	HasChange     bool
	CurrentPrice  float64
	AsOf          time.Time
}
