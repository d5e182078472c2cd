package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/warpmq/warpq/internal/dgram"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestConnectionAndStreamCountersIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened("server")
	m.ConnectionOpened("server")
	m.ConnectionClosed("server", nil)
	m.StreamOpened("datagram")
	m.StreamClosed("datagram")

	if got := counterValue(t, m.connectionsOpened, "server"); got != 2 {
		t.Fatalf("connectionsOpened = %v, want 2", got)
	}
	if got := counterValue(t, m.connectionsClosed, "server"); got != 1 {
		t.Fatalf("connectionsClosed = %v, want 1", got)
	}
	if got := counterValue(t, m.streamsOpened, "datagram"); got != 1 {
		t.Fatalf("streamsOpened = %v, want 1", got)
	}
	if got := counterValue(t, m.streamsClosed, "datagram"); got != 1 {
		t.Fatalf("streamsClosed = %v, want 1", got)
	}
}

func TestDatagramStatsAccumulatesDeltasAndSetsGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DatagramStats(7, dgram.Stats{
		FragmentsAcked:  3,
		FragmentsNacked: 1,
		FragmentsAlone:  2,
		ExtraSent:       1,
		HorizonEvents:   4,
		HorizonAcks:     2,
	}, 5)
	m.DatagramStats(7, dgram.Stats{
		FragmentsAcked: 2,
	}, 1)

	if got := counterValue(t, m.fragmentsAcked, "7"); got != 5 {
		t.Fatalf("fragmentsAcked = %v, want 5", got)
	}
	if got := counterValue(t, m.fragmentsNacked, "7"); got != 1 {
		t.Fatalf("fragmentsNacked = %v, want 1", got)
	}
	if got := counterValue(t, m.horizonEvents, "7"); got != 4 {
		t.Fatalf("horizonEvents = %v, want 4", got)
	}
	if got := gaugeValue(t, m.extraQueueDepth, "7"); got != 1 {
		t.Fatalf("extraQueueDepth = %v, want 1 (latest set, not cumulative)", got)
	}
}

func TestDatagramStatsKeepsMediaIDsSeparate(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DatagramStats(1, dgram.Stats{FragmentsAcked: 10}, 0)
	m.DatagramStats(2, dgram.Stats{FragmentsAcked: 1}, 0)

	if got := counterValue(t, m.fragmentsAcked, "1"); got != 10 {
		t.Fatalf("media 1 fragmentsAcked = %v, want 10", got)
	}
	if got := counterValue(t, m.fragmentsAcked, "2"); got != 1 {
		t.Fatalf("media 2 fragmentsAcked = %v, want 1", got)
	}
}
