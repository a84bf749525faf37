package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
	assert.Equal(t, "driver-locations", cfg.KafkaPositionTopic)
	assert.Equal(t, "ride-events", cfg.KafkaRideTopic)
	assert.Equal(t, "inr", cfg.PaymentCurrency)
	assert.Equal(t, 10*time.Second, cfg.SettlementTimeout)
	assert.Equal(t, 64, cfg.WSSendBuffer)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("KAFKA_RIDE_TOPIC", "rides")
	t.Setenv("SETTLEMENT_TIMEOUT", "30s")
	t.Setenv("NEARBY_LIMIT", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "rides", cfg.KafkaRideTopic)
	assert.Equal(t, 30*time.Second, cfg.SettlementTimeout)
	assert.Equal(t, 3, cfg.NearbyLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfig_JoinsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("WS_SEND_BUFFER", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "invalid HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "WS_SEND_BUFFER must be > 0")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("KAFKA_GROUP", "geo-mirror")
	t.Setenv("METRICS_ADDR", ":9100")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "geo-mirror", cfg.KafkaGroup)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}
