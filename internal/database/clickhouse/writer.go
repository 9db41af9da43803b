package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"can-bus-tester/internal/models"
)

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
}

// Writer archives bus events to ClickHouse in batches
type Writer struct {
	conn       driver.Conn
	config     Config
	batchSize  int
	batch      []models.Event
	batchChan  chan models.Event
	ctx        context.Context
	cancel     context.CancelFunc
	flushTimer *time.Ticker
	logger     *zap.Logger
}

// New connects to ClickHouse and prepares the events table
func New(config Config, batchSize int, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := createTable(conn, config.Table); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		conn:       conn,
		config:     config,
		batchSize:  batchSize,
		batch:      make([]models.Event, 0, batchSize),
		batchChan:  make(chan models.Event, batchSize*2),
		ctx:        ctx,
		cancel:     cancel,
		flushTimer: time.NewTicker(1 * time.Second),
		logger:     logger,
	}, nil
}

// createTable creates the bus events table in ClickHouse
func createTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			type String,
			message String,
			frame_id UInt32,
			dlc UInt8,
			data Array(UInt8),
			fault_type String
		) ENGINE = MergeTree()
		ORDER BY (timestamp, frame_id)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL timestamp + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, tableName)

	return conn.Exec(context.Background(), query)
}

// Start begins processing and writing events
func (w *Writer) Start() {
	go w.writeLoop()
}

// writeLoop processes events and writes them in batches
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

// flush writes the current batch to ClickHouse
func (w *Writer) flush() {
	if len(w.batch) == 0 {
		return
	}

	batch, err := w.conn.PrepareBatch(w.ctx, fmt.Sprintf("INSERT INTO %s", w.config.Table))
	if err != nil {
		w.logger.Warn("failed to prepare batch", zap.Error(err))
		return
	}

	for _, ev := range w.batch {
		sec := int64(ev.Timestamp)
		nsec := int64((ev.Timestamp - float64(sec)) * 1e9)
		err = batch.Append(
			time.Unix(sec, nsec),
			ev.Type,
			ev.Message,
			ev.ID,
			ev.DLC,
			eventData(ev),
			ev.FaultType,
		)
		if err != nil {
			w.logger.Warn("failed to append to batch", zap.Error(err))
			return
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Warn("failed to send batch", zap.Error(err))
		return
	}

	w.logger.Debug("flushed events to ClickHouse", zap.Int("count", len(w.batch)))
	w.batch = w.batch[:0]
}

func eventData(ev models.Event) []uint8 {
	out := make([]uint8, len(ev.Data))
	for i, v := range ev.Data {
		out[i] = uint8(v)
	}
	return out
}

// Write queues an event for writing
func (w *Writer) Write(ev models.Event) {
	select {
	case w.batchChan <- ev:
	default:
		w.logger.Warn("batch channel full, dropping event")
	}
}

// Close closes the ClickHouse connection
func (w *Writer) Close() error {
	w.cancel()
	w.flushTimer.Stop()

	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
