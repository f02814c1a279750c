package calendar

import (
	"fmt"

	"fxbridge/internal/domain/entity/marketdata"
)

// FloorToBucketMS returns the bucket open for tsMS under a fixed-size
// timeframe. Not valid for 1d, which follows the trading-day boundary.
func FloorToBucketMS(tsMS int64, tf string) (int64, error) {
	size, ok := marketdata.TFToMS[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return tsMS - tsMS%size, nil
}

// BucketOpenMS returns the open time of the bucket containing tsMS.
func (c *Calendar) BucketOpenMS(tf string, tsMS int64) (int64, error) {
	if tf == marketdata.TF1d {
		return c.TradingDayBoundaryFor(tsMS), nil
	}
	return FloorToBucketMS(tsMS, tf)
}

// BucketCloseMS returns the inclusive close time of the bucket opening at
// bucketOpenMS.
func (c *Calendar) BucketCloseMS(tf string, bucketOpenMS int64) (int64, error) {
	if tf == marketdata.TF1d {
		return c.NextTradingDayBoundaryMS(bucketOpenMS) - 1, nil
	}
	size, ok := marketdata.TFToMS[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return bucketOpenMS + size - 1, nil
}

// Aligned reports whether openMS is a valid bucket open for tf.
func (c *Calendar) Aligned(tf string, openMS int64) bool {
	open, err := c.BucketOpenMS(tf, openMS)
	if err != nil {
		return false
	}
	return open == openMS
}
