package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
service:
  id: guardian-test
  http_port: 8181
dependencies:
  storage: postgres
  postgres_url: postgres://guardian@localhost/guardian
  kafka_brokers: [kafka-1:9092, kafka-2:9092]
protocol:
  quorum_window: 12h
  submission_limit: 3
events:
  topics:
    guardian.grant.issued: guardian.grants
guardians:
  - id: 7b0c2f7e-3f1c-4a8e-9d3c-0f5b9e1a2c01
    subject_id: 2d9f6a40-8c1e-4b7a-a1f0-6e3c5d2b9a10
    name: Primary
    can_trigger_emergency: true
    permissions:
      is_will_executor: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigMergesFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("GRANT_TTL", "48h")
	t.Setenv("OUTBOX_POLL_INTERVAL", "not-a-duration")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "guardian-test", cfg.ServiceID)
	require.Equal(t, 9191, cfg.HTTPPort)
	require.Equal(t, StoragePostgres, cfg.Storage)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 12*time.Hour, cfg.QuorumWindow)
	require.Equal(t, 48*time.Hour, cfg.GrantTTL)
	require.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	require.Equal(t, 3, cfg.SubmissionLimit)
	require.Equal(t, "guardian.grants", cfg.EventTopics["guardian.grant.issued"])

	require.Len(t, cfg.Guardians, 1)
	g := cfg.Guardians[0]
	require.True(t, g.IsActive)
	require.True(t, g.CanTriggerEmergency)
	require.True(t, g.Permissions.IsWillExecutor)
	require.False(t, g.Permissions.AccessHealthDocs)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, StorageMemory, cfg.Storage)
	require.Equal(t, 24*time.Hour, cfg.QuorumWindow)
	require.Equal(t, "guardian.notifications", cfg.NotificationTopic)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-dotenv-0123456789abcdef0123\nSUBMISSION_LIMIT=4\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")
	t.Setenv("SUBMISSION_LIMIT", "")
	os.Unsetenv("SUBMISSION_LIMIT")

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "from-dotenv-0123456789abcdef0123", cfg.JWTSecret)
	require.Equal(t, 4, cfg.SubmissionLimit)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "missing jwt", body: "service:\n  id: x\n"},
		{name: "postgres without url", body: "dependencies:\n  storage: postgres\n", env: map[string]string{"JWT_SECRET": "s"}},
		{name: "unknown storage", body: "dependencies:\n  storage: sqlite\n", env: map[string]string{"JWT_SECRET": "s"}},
		{name: "bad duration", body: "protocol:\n  quorum_window: soon\n", env: map[string]string{"JWT_SECRET": "s"}},
		{name: "window exceeds token ttl", body: "protocol:\n  quorum_window: 200h\n", env: map[string]string{"JWT_SECRET": "s"}},
		{name: "bad guardian id", body: "guardians:\n  - id: nope\n    subject_id: nope\n", env: map[string]string{"JWT_SECRET": "s"}},
		{name: "bad trusted proxy", body: "service:\n  id: x\n", env: map[string]string{"JWT_SECRET": "s", "HTTP_TRUSTED_PROXIES": "10.0.0.0/8,not-an-ip"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			os.Unsetenv("JWT_SECRET")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GA_INT", "12")
	t.Setenv("GA_BAD_INT", "x")
	t.Setenv("GA_BOOL", "yes")
	t.Setenv("GA_CSV", " a, ,b ")
	t.Setenv("GA_DURATION", "90s")

	require.Equal(t, 12, envInt("GA_INT", 1))
	require.Equal(t, 1, envInt("GA_BAD_INT", 1))
	require.True(t, envBool("GA_BOOL", false))
	require.Equal(t, []string{"a", "b"}, envCSV("GA_CSV", nil))
	require.Equal(t, 90*time.Second, envDuration("GA_DURATION", time.Minute))
	require.Equal(t, time.Minute, envDuration("GA_MISSING", time.Minute))
	require.Equal(t, 12, bcryptCost(12))
	require.Equal(t, 10, bcryptCost(99))
}
