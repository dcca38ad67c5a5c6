package point

import (
	"context"
	"time"
)

// PointWriter is the write side of the InfluxDB client used by InfluxSampler.
// It is satisfied by *influxdb.Client.
type PointWriter interface {
	WritePointSample(device uint32, object, property string, value any, reliable bool, ts time.Time)
}

// InfluxSampler forwards samples to InfluxDB. The client batches and writes
// asynchronously, so AppendSample never blocks and never fails; write errors
// surface through the client's error callback.
type InfluxSampler struct {
	w PointWriter
}

// NewInfluxSampler wraps an InfluxDB client.
func NewInfluxSampler(w PointWriter) *InfluxSampler {
	return &InfluxSampler{w: w}
}

// AppendSample queues the sample for writing.
func (s *InfluxSampler) AppendSample(_ context.Context, sample Sample) error {
	s.w.WritePointSample(
		sample.Key.Device,
		sample.Key.Object.String(),
		sample.Key.Property.String(),
		sample.Value.Native(),
		sample.Reliable,
		sample.Timestamp,
	)
	return nil
}
