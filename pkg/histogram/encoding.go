package histogram

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodedHistogram is the wire form of a LinearHistogram. Only non-empty buckets are stored.
type encodedHistogram struct {
	MaxValue    int64           `json:"maxValue"`
	Step        int64           `json:"step"`
	Buckets     map[int64]int64 `json:"buckets,omitempty"`
	Overflow    int64           `json:"overflow,omitempty"`
	MaxObserved int64           `json:"maxObserved"`
	Count       int64           `json:"count"`
}

func (h *LinearHistogram) MarshalJSON() ([]byte, error) {
	e := encodedHistogram{
		MaxValue:    h.maxValue,
		Step:        h.step,
		Buckets:     make(map[int64]int64),
		Overflow:    h.overflow,
		MaxObserved: h.maxObserved,
		Count:       h.count,
	}
	for i, n := range h.buckets {
		if n != 0 {
			e.Buckets[int64(i)] = n
		}
	}
	return json.Marshal(e)
}

func (h *LinearHistogram) UnmarshalJSON(data []byte) error {
	var e encodedHistogram
	if err := json.Unmarshal(data, &e); err != nil {
		return errors.WithStack(err)
	}
	decoded, err := New(e.MaxValue, e.Step)
	if err != nil {
		return err
	}
	var total int64
	for i, n := range e.Buckets {
		if i < 0 || i >= int64(len(decoded.buckets)) || n < 0 {
			return errors.Errorf("bucket %d with count %d is out of range for histogram with %d buckets", i, n, len(decoded.buckets))
		}
		decoded.buckets[i] = n
		total += n
	}
	if total+e.Overflow != e.Count {
		return errors.Errorf("histogram count %d does not match bucket total %d", e.Count, total+e.Overflow)
	}
	decoded.overflow = e.Overflow
	decoded.maxObserved = e.MaxObserved
	decoded.count = e.Count
	*h = *decoded
	return nil
}
