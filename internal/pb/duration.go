package pb

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
)

// Duration is the wire form of an elapsed or budgeted time, split the same
// way as google.protobuf.Duration.
type Duration struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewDuration converts d into its wire form.
func NewDuration(d time.Duration) *Duration {
	p := durationpb.New(d)
	return &Duration{Seconds: p.GetSeconds(), Nanos: p.GetNanos()}
}

// AsDuration converts back to a time.Duration, rejecting out-of-range
// components and negative values.
func (d *Duration) AsDuration() (time.Duration, error) {
	if d == nil {
		return 0, nil
	}
	p := &durationpb.Duration{Seconds: d.Seconds, Nanos: d.Nanos}
	if err := p.CheckValid(); err != nil {
		return 0, err
	}
	out := p.AsDuration()
	if out < 0 {
		return 0, fmt.Errorf("negative duration %v", out)
	}
	return out, nil
}

// AsSeconds returns the duration as fractional seconds, for display.
func (d *Duration) AsSeconds() float64 {
	if d == nil {
		return 0
	}
	return float64(d.Seconds) + float64(d.Nanos)/1e9
}
