package transport

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/models"
)

var (
	bitrateRe     = regexp.MustCompile(`bitrate (\d+)`)
	busStateRe    = regexp.MustCompile(`state ([A-Z-]+)`)
	berrCounterRe = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
	busErrorRe    = regexp.MustCompile(`bus-error (\d+)`)
	linkFlagsRe   = regexp.MustCompile(`<([^>]+)>`)
)

// StatsCollector periodically samples link-level statistics for a SocketCAN
// interface via `ip -details -statistics link show`.
type StatsCollector struct {
	mu            sync.Mutex
	interfaceName string
	interval      time.Duration
	latest        *models.SocketCANStats
	stopChan      chan struct{}
	running       bool
	logger        *zap.Logger
}

// NewStatsCollector creates a collector for the given interface.
func NewStatsCollector(interfaceName string, interval time.Duration, logger *zap.Logger) *StatsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCollector{
		interfaceName: interfaceName,
		interval:      interval,
		logger:        logger,
	}
}

// SetInterface retargets the collector, clearing the cached sample.
func (sc *StatsCollector) SetInterface(name string) {
	sc.mu.Lock()
	sc.interfaceName = name
	sc.latest = nil
	sc.mu.Unlock()
}

// Start begins collecting statistics.
func (sc *StatsCollector) Start() {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = true
	sc.stopChan = make(chan struct{})
	stop := sc.stopChan
	sc.mu.Unlock()

	go sc.collectLoop(stop)
}

// Stop stops the collector.
func (sc *StatsCollector) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.running {
		return
	}
	sc.running = false
	close(sc.stopChan)
}

// Latest returns the most recent sample, or false when none was collected.
func (sc *StatsCollector) Latest() (models.SocketCANStats, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.latest == nil {
		return models.SocketCANStats{}, false
	}
	return *sc.latest, true
}

func (sc *StatsCollector) collectLoop(stop chan struct{}) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-stop:
			return
		}
	}
}

func (sc *StatsCollector) collect() {
	sc.mu.Lock()
	name := sc.interfaceName
	sc.mu.Unlock()
	if name == "" {
		return
	}

	stats, err := sampleInterface(name)
	if err != nil {
		sc.logger.Debug("failed to collect interface statistics",
			zap.String("interface", name), zap.Error(err))
		return
	}

	stats.Interface = name
	stats.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)

	sc.mu.Lock()
	sc.latest = &stats
	sc.mu.Unlock()
}

func sampleInterface(name string) (models.SocketCANStats, error) {
	cmd := exec.Command("ip", "-details", "-statistics", "link", "show", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return models.SocketCANStats{}, fmt.Errorf("failed to execute ip command: %w (output: %s)", err, string(output))
	}
	return parseIPOutput(string(output)), nil
}

// parseIPOutput extracts the interesting fields from `ip` text output.
func parseIPOutput(output string) models.SocketCANStats {
	stats := models.SocketCANStats{}
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)

		if i == 0 {
			if m := linkFlagsRe.FindStringSubmatch(line); len(m) > 1 {
				if strings.Contains(m[1], "UP") {
					stats.State = "UP"
				} else {
					stats.State = "DOWN"
				}
			}
		}

		if m := bitrateRe.FindStringSubmatch(line); len(m) > 1 {
			stats.Bitrate, _ = strconv.Atoi(m[1])
		}

		if strings.Contains(line, "can state") {
			if m := busStateRe.FindStringSubmatch(line); len(m) > 1 {
				stats.BusState = m[1]
			}
			if m := berrCounterRe.FindStringSubmatch(line); len(m) > 2 {
				stats.TXErrorCounter, _ = strconv.Atoi(m[1])
				stats.RXErrorCounter, _ = strconv.Atoi(m[2])
			}
		}

		if m := busErrorRe.FindStringSubmatch(line); len(m) > 1 {
			stats.BusErrorCounter, _ = strconv.Atoi(m[1])
		}

		// Counter rows follow their "RX:"/"TX:" header line.
		if strings.HasPrefix(line, "RX:") && i+1 < len(lines) {
			if fields := strings.Fields(lines[i+1]); len(fields) >= 4 {
				stats.RXBytes, _ = strconv.ParseUint(fields[0], 10, 64)
				stats.RXPackets, _ = strconv.ParseUint(fields[1], 10, 64)
				stats.RXErrors, _ = strconv.ParseUint(fields[2], 10, 64)
				stats.RXDropped, _ = strconv.ParseUint(fields[3], 10, 64)
			}
		}
		if strings.HasPrefix(line, "TX:") && i+1 < len(lines) {
			if fields := strings.Fields(lines[i+1]); len(fields) >= 4 {
				stats.TXBytes, _ = strconv.ParseUint(fields[0], 10, 64)
				stats.TXPackets, _ = strconv.ParseUint(fields[1], 10, 64)
				stats.TXErrors, _ = strconv.ParseUint(fields[2], 10, 64)
				stats.TXDropped, _ = strconv.ParseUint(fields[3], 10, 64)
			}
		}
	}

	return stats
}
