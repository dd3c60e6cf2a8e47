package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	kafka "github.com/segmentio/kafka-go"

	"github.com/tytac116/PropMatch/internal/config"
)

// ClickHouseSink inserts each security event as one row of a flat analytics
// table for longer retention than the capped event ledger allows. A nil
// *ClickHouseSink is a safe no-op.
type ClickHouseSink struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// NewClickHouseSink opens a ClickHouse connection from cfg.ClickHouseDSN.
// Returns (nil, nil) when the DSN is empty, so callers can wire the result
// directly into Gate's sink list without a conditional.
func NewClickHouseSink(ctx context.Context, cfg config.Observability) (*ClickHouseSink, error) {
	dsn := strings.TrimSpace(cfg.ClickHouseDSN)
	if dsn == "" {
		return nil, nil
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("security: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("security: open clickhouse connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("security: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: "security_events", timeout: 5 * time.Second}, nil
}

// Record inserts a single event row. Best-effort: callers log and discard
// any error rather than failing the request that produced the event.
func (s *ClickHouseSink) Record(ctx context.Context, ev Event) error {
	if s == nil || s.conn == nil {
		return nil
	}
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (timestamp, kind, ip, threat, detail) VALUES (?, ?, ?, ?, ?)`, s.table)
	return s.conn.Exec(execCtx, query, ev.Timestamp, string(ev.Kind), ev.IP, string(ev.Threat), ev.Detail)
}

// KafkaSink publishes each event as a JSON message to a security-events
// topic for downstream alerting consumers. A nil *KafkaSink is a safe
// no-op.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a sink from comma-separated brokers and a topic name.
// Returns (nil, nil) when brokers is empty.
func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil, nil
	}
	if topic = strings.TrimSpace(topic); topic == "" {
		topic = "propmatch.security.events"
	}
	brokerList := strings.Split(brokers, ",")
	for i, b := range brokerList {
		brokerList[i] = strings.TrimSpace(b)
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokerList...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}, nil
}

// Record publishes ev as a single JSON message keyed by IP.
func (s *KafkaSink) Record(ctx context.Context, ev Event) error {
	if s == nil || s.writer == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.IP), Value: data})
}

// Close releases the sink's underlying client. Safe to call on a nil sink.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
