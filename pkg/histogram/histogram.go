// Package histogram provides a fixed-width bucket histogram for latency measurements
// that can be recorded independently on many workers and merged afterwards.
package histogram

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// MaxBuckets bounds the number of buckets of a histogram, including one decoded from a peer.
const MaxBuckets = 4_000_000

// LinearHistogram counts values in equal-width buckets covering [0, maxValue).
// Values at or above maxValue are counted in a single overflow bucket.
// The largest value ever added is tracked exactly.
//
// LinearHistogram is not safe for concurrent use.
type LinearHistogram struct {
	maxValue    int64
	step        int64
	buckets     []int64
	overflow    int64
	maxObserved int64
	count       int64
}

// New returns an empty histogram with buckets of width step covering [0, maxValue).
func New(maxValue, step int64) (*LinearHistogram, error) {
	if step <= 0 {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "step",
			Value:   step,
			Message: "must be positive",
		})
	}
	if maxValue <= 0 {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "maxValue",
			Value:   maxValue,
			Message: "must be positive",
		})
	}
	if bucketCount(maxValue, step) > MaxBuckets {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "maxValue",
			Value:   maxValue,
			Message: fmt.Sprintf("needs more than %d buckets of width %d", MaxBuckets, step),
		})
	}
	return &LinearHistogram{
		maxValue: maxValue,
		step:     step,
		buckets:  make([]int64, bucketCount(maxValue, step)),
	}, nil
}

func bucketCount(maxValue, step int64) int64 {
	return (maxValue-1)/step + 1
}

func (h *LinearHistogram) MaxValue() int64 {
	return h.maxValue
}

func (h *LinearHistogram) Step() int64 {
	return h.step
}

// Count returns the number of values added.
func (h *LinearHistogram) Count() int64 {
	return h.count
}

// Max returns the largest value added, or 0 if the histogram is empty.
func (h *LinearHistogram) Max() int64 {
	return h.maxObserved
}

// Overflow returns the number of values that were at or above maxValue.
func (h *LinearHistogram) Overflow() int64 {
	return h.overflow
}

// Add records value. Negative values are recorded as 0.
func (h *LinearHistogram) Add(value int64) {
	if value < 0 {
		value = 0
	}
	if value >= h.maxValue {
		h.overflow++
	} else {
		h.buckets[value/h.step]++
	}
	if h.count == 0 || value > h.maxObserved {
		h.maxObserved = value
	}
	h.count++
}

// Copy returns a deep copy of h.
func (h *LinearHistogram) Copy() *LinearHistogram {
	c := *h
	c.buckets = make([]int64, len(h.buckets))
	copy(c.buckets, h.buckets)
	return &c
}

// Combine returns a new histogram holding the values of both a and b. Neither input is modified.
// The histograms must have the same step; if their ranges differ the result covers the larger one.
// Combine is commutative and associative.
func Combine(a, b *LinearHistogram) (*LinearHistogram, error) {
	if a.step != b.step {
		return nil, errors.WithStack(&simerrors.ErrIncompatibleHistogram{Step: a.step, OtherStep: b.step})
	}
	larger, smaller := a, b
	if b.maxValue > a.maxValue {
		larger, smaller = b, a
	}
	result := larger.Copy()
	for i, n := range smaller.buckets {
		result.buckets[i] += n
	}
	result.overflow += smaller.overflow
	if smaller.count > 0 && (result.count == 0 || smaller.maxObserved > result.maxObserved) {
		result.maxObserved = smaller.maxObserved
	}
	result.count += smaller.count
	return result, nil
}

// Percentile returns the value below which a fraction p of the recorded values fall, with p in [0, 1].
// Buckets are scanned from the lowest; the first bucket whose cumulative count reaches ceil(p * count)
// determines the result, which is that bucket's largest value clamped to the largest value added.
// Values counted in the overflow bucket are reported as the largest value added.
// An empty histogram returns 0.
func (h *LinearHistogram) Percentile(p float64) int64 {
	if h.count == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	target := int64(math.Ceil(p * float64(h.count)))
	if target < 1 {
		target = 1
	}
	var cumulative int64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative >= target {
			upper := (int64(i)+1)*h.step - 1
			if upper > h.maxObserved {
				return h.maxObserved
			}
			return upper
		}
	}
	return h.maxObserved
}
