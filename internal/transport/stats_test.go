package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sampleIPOutput = `3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc pfifo_fast state UP mode DEFAULT group default qlen 10
    link/can  promiscuity 0 allmulti 0 minmtu 0 maxmtu 0
    can state ERROR-ACTIVE (berr-counter tx 12 rx 3) restart-ms 100
          bitrate 500000 sample-point 0.875
          tq 125 prop-seg 6 phase-seg1 7 phase-seg2 2 sjw 1 brp 6
    re-started bus-errors arbit-lost error-warn error-pass bus-off
    0          0          0          0          0        0         numtxqueues 1 numrxqueues 1 gso_max_size 65536
    RX: bytes  packets  errors  dropped missed  mcast
    62416      7802     1       2       0       0
    TX: bytes  packets  errors  dropped carrier collsns
    16040      2005     3       4       0       0`

func TestParseIPOutput(t *testing.T) {
	stats := parseIPOutput(sampleIPOutput)

	assert.Equal(t, "UP", stats.State)
	assert.Equal(t, "ERROR-ACTIVE", stats.BusState)
	assert.Equal(t, 500000, stats.Bitrate)
	assert.Equal(t, 12, stats.TXErrorCounter)
	assert.Equal(t, 3, stats.RXErrorCounter)

	assert.Equal(t, uint64(62416), stats.RXBytes)
	assert.Equal(t, uint64(7802), stats.RXPackets)
	assert.Equal(t, uint64(1), stats.RXErrors)
	assert.Equal(t, uint64(2), stats.RXDropped)
	assert.Equal(t, uint64(16040), stats.TXBytes)
	assert.Equal(t, uint64(2005), stats.TXPackets)
	assert.Equal(t, uint64(3), stats.TXErrors)
	assert.Equal(t, uint64(4), stats.TXDropped)
}

func TestParseIPOutputDownInterface(t *testing.T) {
	stats := parseIPOutput(`4: can1: <NOARP,ECHO> mtu 16 qdisc noop state DOWN mode DEFAULT group default qlen 10`)
	assert.Equal(t, "DOWN", stats.State)
	assert.Zero(t, stats.Bitrate)
}

func TestStatsCollectorStartsEmpty(t *testing.T) {
	sc := NewStatsCollector("can0", time.Second, nil)
	_, ok := sc.Latest()
	assert.False(t, ok)

	sc.SetInterface("can1")
	_, ok = sc.Latest()
	assert.False(t, ok)
}
