package influxdb

import (
	"context"
	"fmt"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"go.uber.org/zap"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/models"
)

// Config holds InfluxDB connection configuration
type Config struct {
	URL      string
	Token    string
	Database string
}

// Writer archives decoded signal values to InfluxDB in batches. Only
// events carrying decoded signals produce points.
type Writer struct {
	client     *influxdb3.Client
	batchSize  int
	batch      []models.Event
	batchChan  chan models.Event
	ctx        context.Context
	cancel     context.CancelFunc
	flushTimer *time.Ticker
	logger     *zap.Logger
}

// New creates a new InfluxDB signal writer
func New(config Config, batchSize int, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		client:     client,
		batchSize:  batchSize,
		batch:      make([]models.Event, 0, batchSize),
		batchChan:  make(chan models.Event, batchSize*2),
		ctx:        ctx,
		cancel:     cancel,
		flushTimer: time.NewTicker(1 * time.Second),
		logger:     logger,
	}, nil
}

// Start begins processing and writing events
func (w *Writer) Start() {
	go w.writeLoop()
}

func (w *Writer) writeLoop() {
	for {
		select {
		case <-w.ctx.Done():
			if len(w.batch) > 0 {
				w.flush()
			}
			return

		case ev := <-w.batchChan:
			w.batch = append(w.batch, ev)
			if len(w.batch) >= w.batchSize {
				w.flush()
			}

		case <-w.flushTimer.C:
			if len(w.batch) > 0 {
				w.flush()
			}
		}
	}
}

// flush writes the current batch to InfluxDB
func (w *Writer) flush() {
	if len(w.batch) == 0 {
		return
	}

	points := make([]*influxdb3.Point, 0, len(w.batch))
	for _, ev := range w.batch {
		if len(ev.Decoded) == 0 {
			continue
		}

		fields := make(map[string]any, len(ev.Decoded))
		for name, value := range ev.Decoded {
			switch v := value.(type) {
			case codec.DecodedSignal:
				fields[name] = v.Value
			case float64:
				fields[name] = v
			}
		}
		if len(fields) == 0 {
			continue
		}

		sec := int64(ev.Timestamp)
		nsec := int64((ev.Timestamp - float64(sec)) * 1e9)
		point := influxdb3.NewPoint(
			"can_signals",
			map[string]string{
				"message":  ev.Message,
				"type":     ev.Type,
				"frame_id": fmt.Sprintf("0x%X", ev.ID),
			},
			fields,
			time.Unix(sec, nsec),
		)
		points = append(points, point)
	}

	if len(points) > 0 {
		if err := w.client.WritePoints(w.ctx, points); err != nil {
			w.logger.Warn("failed to write points", zap.Error(err))
			return
		}
	}

	w.logger.Debug("flushed signal points to InfluxDB", zap.Int("count", len(points)))
	w.batch = w.batch[:0]
}

// Write queues an event for writing
func (w *Writer) Write(ev models.Event) {
	select {
	case w.batchChan <- ev:
	default:
		w.logger.Warn("batch channel full, dropping event")
	}
}

// Close closes the InfluxDB client
func (w *Writer) Close() error {
	w.cancel()
	w.flushTimer.Stop()

	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
