package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

// RedisConfig locates the redis server used for the record mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	// History is how many records are kept in the per-device list.
	History int `yaml:"history"`
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("telemetry: connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// MirrorMessage is what subscribers of the mirror channel receive.
type MirrorMessage struct {
	Device     string                  `json:"device"`
	Code       int                     `json:"code"`
	AcceptedAt time.Time               `json:"acceptedAt"`
	Record     serialcomm.SensorRecord `json:"record"`
}

// MirroredSink forwards to another sink and copies every accepted record to
// a redis channel and a bounded per-device list. Mirror failures are logged
// and never change the result returned to the caller.
type MirroredSink struct {
	next    command.Sink
	client  *redis.Client
	channel string
	device  string
	history int64
	log     *zap.Logger
}

func NewMirroredSink(next command.Sink, client *redis.Client, cfg RedisConfig, device serialcomm.DeviceIdentity, log *zap.Logger) *MirroredSink {
	history := cfg.History
	if history <= 0 {
		history = 1000
	}
	return &MirroredSink{
		next:    next,
		client:  client,
		channel: cfg.Channel,
		device:  device.String(),
		history: int64(history),
		log:     log.Named("mirror"),
	}
}

// ListKey is the redis list holding recent records for the device.
func (m *MirroredSink) ListKey() string {
	return fmt.Sprintf("rakgateway:%s:records", m.device)
}

func (m *MirroredSink) Submit(ctx context.Context, rec serialcomm.SensorRecord) (int, error) {
	code, err := m.next.Submit(ctx, rec)
	if err != nil {
		return code, err
	}
	if err := m.mirror(ctx, code, rec); err != nil {
		m.log.Warn("mirror failed", zap.Int("record_id", rec.RecordID), zap.Error(err))
	}
	return code, nil
}

func (m *MirroredSink) mirror(ctx context.Context, code int, rec serialcomm.SensorRecord) error {
	data, err := json.Marshal(MirrorMessage{
		Device:     m.device,
		Code:       code,
		AcceptedAt: time.Now().UTC(),
		Record:     rec,
	})
	if err != nil {
		return err
	}

	key := m.ListKey()
	pipe := m.client.Pipeline()
	pipe.Publish(ctx, m.channel, data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, m.history-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the redis client.
func (m *MirroredSink) Close() error {
	return m.client.Close()
}
