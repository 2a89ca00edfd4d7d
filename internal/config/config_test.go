package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "api.yaml")
	yml := `
server_addr: ":9090"
redis_url: "redis://cache:6379/1"
jwt_secret: "from-yaml"
max_ws_connections: 5
ws_inbound_queue: 8
typing_ttl: 3
history_limit: 20
history_max_limit: 10
`
	if err := os.WriteFile(app, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(dir, "database.yaml")
	if err := os.WriteFile(db, []byte("database_url: postgres://x@db/convo\ndb_max_connections: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", app)
	t.Setenv("DATABASE_CONFIG_PATH", db)
	t.Setenv("AUTH_JWT_SECRET", "from-env")
	t.Setenv("WS_SEND_BUFFER_SIZE", "64")
	t.Setenv("PUSH_SERVICE_URL", "")

	cfg := Load()
	if cfg.ServerAddr != ":9090" || cfg.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("env must win over yaml, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.WS.MaxConnections != 5 || cfg.WS.InboundQueue != 8 || cfg.WS.SendBufferSize != 64 {
		t.Fatalf("ws = %+v", cfg.WS)
	}
	if cfg.WS.PongTimeout != 60 || cfg.Chat.OpTimeout != 5*time.Second {
		t.Fatal("defaults lost")
	}
	if cfg.Chat.TypingTTL != 3*time.Second {
		t.Fatalf("typing ttl = %v", cfg.Chat.TypingTTL)
	}
	if cfg.Chat.HistoryMaxLimit != 20 {
		t.Fatalf("max history limit must not be below default limit, got %d", cfg.Chat.HistoryMaxLimit)
	}
	if cfg.DatabaseURL() != "postgres://x@db/convo" || cfg.DBMaxConnections() != 7 {
		t.Fatalf("database = %+v", cfg.Database)
	}
}

func TestLoadEnvFromParentDir(t *testing.T) {
	root := t.TempDir()
	dotenv := "CONVO_TEST_DOTENV=\"from file\"\nCONVO_TEST_KEEP=file\n"
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "services", "api")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(sub); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("APP_ENV", "")
	t.Setenv("CONVO_TEST_KEEP", "shell")
	t.Cleanup(func() { os.Unsetenv("CONVO_TEST_DOTENV") })

	loadEnv()

	if got := os.Getenv("CONVO_TEST_DOTENV"); got != "from file" {
		t.Fatalf("CONVO_TEST_DOTENV = %q", got)
	}
	if got := os.Getenv("CONVO_TEST_KEEP"); got != "shell" {
		t.Fatalf("existing variable overridden: %q", got)
	}
}
