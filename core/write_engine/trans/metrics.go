package trans

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// counters are the commit-path event counters, registered once per
// mount on the project Meter.
type counters struct {
	commitTimer   metric.Int64Counter
	commitFull    metric.Int64Counter
	commitFsync   metric.Int64Counter
	commitError   metric.Int64Counter
	segWrites     metric.Int64Counter
	segWriteBytes metric.Int64Counter
	overrun       metric.Int64Counter
}

func newCounters(m metric.Meter) (*counters, error) {
	if m == nil {
		m = noop.NewMeterProvider().Meter("")
	}
	var (
		c   counters
		err error
	)
	mk := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var ctr metric.Int64Counter
		ctr, err = m.Int64Counter(name, metric.WithDescription(desc))
		return ctr
	}
	c.commitTimer = mk("kagedb.trans.commit_timer",
		"commits triggered by the sync deadline")
	c.commitFull = mk("kagedb.trans.commit_full",
		"commits triggered by admission refusals for lack of segment room")
	c.commitFsync = mk("kagedb.trans.commit_fsync",
		"commits triggered by fsync")
	c.commitError = mk("kagedb.trans.commit_error",
		"commit attempts that failed and left dirty state resident")
	c.segWrites = mk("kagedb.trans.level0_seg_writes",
		"segments written by transaction commits")
	c.segWriteBytes = mk("kagedb.trans.level0_seg_write_bytes",
		"bytes of segments written by transaction commits")
	c.overrun = mk("kagedb.trans.reservation_overrun",
		"holders whose tracked items exceeded their reservation")
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *counters) add(ctr metric.Int64Counter) {
	ctr.Add(context.Background(), 1)
}

func (c *counters) addN(ctr metric.Int64Counter, n int64) {
	ctr.Add(context.Background(), n)
}
