package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/config"
	"github.com/ghettovoice/sipchat/ftserver"
	"github.com/ghettovoice/sipchat/log"
)

func TestLoad_WritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sipchat.yaml")

	cfg, got, err := config.Load(log.Noop(), path)
	if err != nil {
		t.Fatalf("config.Load() error = %v, want nil", err)
	}
	if got != path {
		t.Errorf("config.Load() path = %q, want %q", got, path)
	}
	if diff := cmp.Diff(cfg, config.Default()); diff != "" {
		t.Errorf("config mismatch (-got +want):\n%v", diff)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config was not written: %v", err)
	}

	cfg, _, err = config.Load(nil, path)
	if err != nil {
		t.Fatalf("config.Load() of the written file error = %v, want nil", err)
	}
	if diff := cmp.Diff(cfg, config.Default()); diff != "" {
		t.Errorf("reloaded config mismatch (-got +want):\n%v", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sipchat.yaml")
	data := `
log:
  level: debug
chat:
  cpim: false
  aggregation_delay: 2s
  content_types: [text/plain, "image/*"]
file_transfer:
  server_url: https://ft.example.com/upload
  username: alice
  auto_download:
    max_size: -1
server:
  users:
    alice: secret
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v, want nil", err)
	}
	t.Setenv("SIPCHAT_CHAT_HISTORY_LIMIT", "50")
	t.Setenv("SIPCHAT_SERVER_AUTH", "digest")
	t.Setenv("SIPCHAT_FILE_TRANSFER_PASSWORD", "hunter2")

	cfg, _, err := config.Load(nil, path)
	if err != nil {
		t.Fatalf("config.Load() error = %v, want nil", err)
	}

	want := config.Default()
	want.Log.Level = "debug"
	want.Chat.CPIM = false
	want.Chat.AggregationDelay = 2 * time.Second
	want.Chat.ContentTypes = []string{"text/plain", "image/*"}
	want.Chat.HistoryLimit = 50
	want.FileTransfer.ServerURL = "https://ft.example.com/upload"
	want.FileTransfer.Username = "alice"
	want.FileTransfer.Password = "hunter2"
	want.FileTransfer.AutoDownload = &chat.AutoDownloadPolicy{MaxSize: -1}
	want.Server.Auth = "digest"
	want.Server.Users = map[string]string{"alice": "secret"}
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("config mismatch (-got +want):\n%v", diff)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sipchat.yaml")
	if err := os.WriteFile(path, []byte("chat: [unclosed"), 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v, want nil", err)
	}
	if _, _, err := config.Load(nil, path); err == nil {
		t.Error("config.Load() error = nil, want error")
	}
}

func TestConfig_Options(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	logger := log.Noop()

	opts := cfg.CoreOptions(nil, nil, logger)
	if opts.FileTransfer != nil {
		t.Errorf("opts.FileTransfer = %+v, want nil without a server", opts.FileTransfer)
	}
	if opts.Registry != nil {
		t.Error("opts.Registry is set, want default")
	}
	if diff := cmp.Diff(opts.ImNotifPolicy, chat.DefaultImNotifPolicy()); diff != "" {
		t.Errorf("opts.ImNotifPolicy mismatch (-got +want):\n%v", diff)
	}
	if got, want := opts.AggregationDelay, cfg.Chat.AggregationDelay; got != want {
		t.Errorf("opts.AggregationDelay = %v, want %v", got, want)
	}
	if !opts.CPIM {
		t.Error("opts.CPIM = false, want true")
	}
	if got, want := opts.TransactionTimeout, 32*time.Second; got != want {
		t.Errorf("opts.TransactionTimeout = %v, want %v", got, want)
	}

	cfg.Chat.ContentTypes = []string{"text/*"}
	cfg.FileTransfer.ServerURL = "https://ft.example.com"
	cfg.FileTransfer.BearerToken = "token"
	cfg.FileTransfer.AutoDownload = &chat.AutoDownloadPolicy{MaxSize: 1 << 20}
	opts = cfg.CoreOptions(nil, chat.NewMemoryStore(), logger)
	if opts.FileTransfer == nil {
		t.Fatal("opts.FileTransfer = nil, want set")
	}
	if got, want := opts.FileTransfer.ServerURL, "https://ft.example.com"; got != want {
		t.Errorf("opts.FileTransfer.ServerURL = %q, want %q", got, want)
	}
	if got, want := opts.FileTransfer.ClientOptions.BearerToken, "token"; got != want {
		t.Errorf("client bearer token = %q, want %q", got, want)
	}
	if opts.FileTransfer.AutoDownload != cfg.FileTransfer.AutoDownload {
		t.Error("auto download policy was not carried over")
	}
	if opts.Registry == nil || !opts.Registry.Supports("text/plain") || opts.Registry.Supports("image/png") {
		t.Error("opts.Registry does not match the configured content types")
	}

	cfg.Server.Auth = string(ftserver.AuthBearer)
	cfg.Server.JWTSecret = "s3cret"
	srv := cfg.ServerOptions(nil, logger)
	if got, want := srv.Auth, ftserver.AuthBearer; got != want {
		t.Errorf("srv.Auth = %q, want %q", got, want)
	}
	if got, want := string(srv.JWTSecret), "s3cret"; got != want {
		t.Errorf("srv.JWTSecret = %q, want %q", got, want)
	}
	if got, want := srv.LinkTTL, 24*time.Hour; got != want {
		t.Errorf("srv.LinkTTL = %v, want %v", got, want)
	}
}
