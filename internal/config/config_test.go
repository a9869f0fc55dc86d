package config

import (
	"testing"
	"time"

	"github.com/lalith-99/insightops/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ROLE", "")
	t.Setenv("INGEST_JOB_TYPES", "")
	t.Setenv("QUEUE_MAX_RETRIES", "")
	t.Setenv("QUEUE_BASE_BACKOFF", "")
	t.Setenv("QUEUE_MAX_BACKOFF", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, RoleAll, cfg.Role)
	assert.Equal(t, 3, cfg.QueueMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.QueueVisibilityTimeout)
	assert.Equal(t, 5*time.Second, cfg.QueueBaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.QueueMaxBackoff)
	assert.Nil(t, cfg.IngestJobTypes)
	assert.True(t, cfg.RunsAPI())
	assert.True(t, cfg.RunsWorker())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ROLE", "Worker")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")
	t.Setenv("QUEUE_BASE_BACKOFF", "1s")
	t.Setenv("ENRICH_RATE", "2.5")
	t.Setenv("DB_MAX_CONNS", "50")
	t.Setenv("MIGRATE_ON_START", "off")
	t.Setenv("INGEST_JOB_TYPES", "sentiment, summary")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, cfg.Role)
	assert.False(t, cfg.RunsAPI())
	assert.Equal(t, 16, cfg.WorkerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.QueuePollInterval)
	assert.Equal(t, time.Second, cfg.QueueBaseBackoff)
	assert.InDelta(t, 2.5, cfg.EnrichRate, 1e-9)
	assert.Equal(t, 50, cfg.DBMaxConns)
	assert.False(t, cfg.MigrateOnStart)
	assert.Equal(t, []models.JobType{models.JobSentiment, models.JobSummary}, cfg.IngestJobTypes)
}

func TestLoadConfigReportsEveryBadValue(t *testing.T) {
	t.Setenv("ROLE", "batch")
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("REAPER_INTERVAL", "soon")
	t.Setenv("INGEST_JOB_TYPES", "translation")

	_, err := LoadConfig()
	require.Error(t, err)
	for _, key := range []string{"ROLE", "WORKER_CONCURRENCY", "REAPER_INTERVAL", "INGEST_JOB_TYPES"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadConfigRequiresSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("ROLE", "api")
	t.Setenv("JWT_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
