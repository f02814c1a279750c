package derived

import (
	"fmt"
	"time"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/contract"
	"fxbridge/internal/domain/entity/marketdata"
)

// BuildHTFFinal aggregates consecutive 1m finals into HTF finals.
// Every bucket must be complete: exactly tf_ms/1m_ms consecutive 1m
// bars, no gaps, no bar crossing the bucket close. Input must be sorted
// ascending by open time.
func BuildHTFFinal(cal *calendar.Calendar, symbol, tf string, bars1m []marketdata.Bar) ([]marketdata.Bar, error) {
	if tf == marketdata.TF1m {
		return nil, contract.NewError("contract", "HTF aggregation does not apply to 1m")
	}
	tfMS, ok := marketdata.TFToMS[tf]
	if !ok {
		return nil, contract.Errorf("contract", "unknown tf for HTF aggregation: %s", tf)
	}
	expected := int(tfMS / marketdata.MinuteMS)

	var out []marketdata.Bar
	var bucket *marketdata.Bar
	var count int
	var lastOpen int64

	finalize := func() error {
		if count != expected {
			return contract.NewError("derived_incomplete_bucket", "incomplete HTF bucket: missing 1m bar")
		}
		if lastOpen != bucket.OpenTimeMS+int64(expected-1)*marketdata.MinuteMS {
			return contract.NewError("derived_incomplete_bucket", "incomplete HTF bucket: broken 1m sequence")
		}
		bucket.TickCount = int64(count)
		out = append(out, *bucket)
		return nil
	}

	for i := range bars1m {
		bar := &bars1m[i]
		bucketOpen, err := cal.BucketOpenMS(tf, bar.OpenTimeMS)
		if err != nil {
			return nil, err
		}
		bucketClose, err := cal.BucketCloseMS(tf, bucketOpen)
		if err != nil {
			return nil, err
		}
		if bucket == nil || bucket.OpenTimeMS != bucketOpen {
			if bucket != nil {
				if err := finalize(); err != nil {
					return nil, err
				}
			}
			bucket = &marketdata.Bar{
				Symbol:      symbol,
				TF:          tf,
				OpenTimeMS:  bucketOpen,
				CloseTimeMS: bucketClose,
				Open:        bar.Open,
				High:        bar.High,
				Low:         bar.Low,
				Close:       bar.Close,
				Volume:      bar.Volume,
				Complete:    true,
				Source:      marketdata.SourceHistoryAgg,
				EventTSMS:   bucketClose,
			}
			count = 1
			lastOpen = bar.OpenTimeMS
		} else {
			if bar.OpenTimeMS != lastOpen+marketdata.MinuteMS {
				return nil, contract.NewError("derived_incomplete_bucket", "missing 1m bar inside HTF bucket")
			}
			if bar.High > bucket.High {
				bucket.High = bar.High
			}
			if bar.Low < bucket.Low {
				bucket.Low = bar.Low
			}
			bucket.Close = bar.Close
			bucket.Volume += bar.Volume
			count++
			lastOpen = bar.OpenTimeMS
		}
		if bar.CloseTimeMS > bucket.CloseTimeMS {
			return nil, contract.NewError("derived_incomplete_bucket", "1m bar crosses HTF bucket close")
		}
	}
	if bucket != nil {
		if err := finalize(); err != nil {
			return nil, err
		}
	}
	ingest := time.Now().UnixMilli()
	for i := range out {
		out[i].IngestTSMS = ingest
	}
	return out, nil
}

// AlignRange clamps an arbitrary [startMS, endMS] request to whole tf
// buckets: a partially covered leading bucket is skipped, the trailing
// bucket extends to its close.
func AlignRange(cal *calendar.Calendar, tf string, startMS, endMS int64) (int64, int64, error) {
	tfMS, ok := marketdata.TFToMS[tf]
	if !ok {
		return 0, 0, fmt.Errorf("unknown tf: %s", tf)
	}
	bucketOpenStart, err := cal.BucketOpenMS(tf, startMS)
	if err != nil {
		return 0, 0, err
	}
	alignedStart := bucketOpenStart
	if bucketOpenStart != startMS {
		alignedStart = bucketOpenStart + tfMS
	}
	bucketOpenEnd, err := cal.BucketOpenMS(tf, endMS)
	if err != nil {
		return 0, 0, err
	}
	alignedEndClose, err := cal.BucketCloseMS(tf, bucketOpenEnd)
	if err != nil {
		return 0, 0, err
	}
	return alignedStart, alignedEndClose, nil
}
