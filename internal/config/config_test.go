package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/scanline/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		DB:       config.DBConfig{DSN: "postgres://localhost/scanline", MinConns: 2, MaxConns: 10},
		Worker:   config.WorkerConfig{BaseURL: "http://worker:9000", RPS: 20, Burst: 10},
		Scanning: config.ScanningConfig{CancelGrace: 30 * time.Second, StreamQueueSize: 16, MaxUpdateRetries: 3},
		Kafka:    config.KafkaConfig{LifecycleTopic: "scan-job-lifecycle", GroupID: "scanline"},
		Tempo:    config.TempoConfig{Probability: 0.05},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{
			name:    "missing dsn",
			mutate:  func(c *config.Config) { c.DB.DSN = "" },
			wantErr: "db.dsn is required",
		},
		{
			name:    "pool bounds inverted",
			mutate:  func(c *config.Config) { c.DB.MaxConns = 1 },
			wantErr: "db.max_conns",
		},
		{
			name:    "missing worker",
			mutate:  func(c *config.Config) { c.Worker.BaseURL = "" },
			wantErr: "worker.base_url is required",
		},
		{
			name:    "negative poll interval",
			mutate:  func(c *config.Config) { c.Worker.PollInterval = -time.Second },
			wantErr: "worker.poll_interval",
		},
		{
			name:    "zero grace",
			mutate:  func(c *config.Config) { c.Scanning.CancelGrace = 0 },
			wantErr: "scanning.cancel_grace",
		},
		{
			name: "kafka without lifecycle topic",
			mutate: func(c *config.Config) {
				c.Kafka.Brokers = []string{"kafka:9092"}
				c.Kafka.LifecycleTopic = ""
			},
			wantErr: "kafka.lifecycle_topic",
		},
		{
			name: "progress topic without group",
			mutate: func(c *config.Config) {
				c.Kafka.Brokers = []string{"kafka:9092"}
				c.Kafka.ProgressTopic = "scan-progress"
				c.Kafka.GroupID = ""
			},
			wantErr: "kafka.group_id",
		},
		{
			name:    "probability out of range",
			mutate:  func(c *config.Config) { c.Tempo.Probability = 1.5 },
			wantErr: "tempo.probability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	err := cfg.Validate()
	assert.ErrorContains(t, err, "db.dsn")
	assert.ErrorContains(t, err, "worker.base_url")
	assert.ErrorContains(t, err, "scanning.cancel_grace")
}
