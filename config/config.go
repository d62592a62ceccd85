// Package config loads the engine and file transfer server configuration from a YAML file
// and SIPCHAT_* environment variables.
package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/ftserver"
	"github.com/ghettovoice/sipchat/log"
)

// Config is the root configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Chat         ChatConfig         `mapstructure:"chat" yaml:"chat"`
	FileTransfer FileTransferConfig `mapstructure:"file_transfer" yaml:"file_transfer"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ChatConfig configures the chat core.
type ChatConfig struct {
	CPIM                     bool               `mapstructure:"cpim" yaml:"cpim"`
	AggregationDelay         time.Duration      `mapstructure:"aggregation_delay" yaml:"aggregation_delay"`
	ImdnToEverybodyThreshold int                `mapstructure:"imdn_to_everybody_threshold" yaml:"imdn_to_everybody_threshold"`
	DedupWindow              time.Duration      `mapstructure:"dedup_window" yaml:"dedup_window"`
	TransactionTimeout       time.Duration      `mapstructure:"transaction_timeout" yaml:"transaction_timeout"`
	ResendKeepsMessageID     bool               `mapstructure:"resend_keeps_message_id" yaml:"resend_keeps_message_id"`
	HistoryLimit             int                `mapstructure:"history_limit" yaml:"history_limit"`
	IterateInterval          time.Duration      `mapstructure:"iterate_interval" yaml:"iterate_interval"`
	ImNotifPolicy            chat.ImNotifPolicy `mapstructure:"imnotif_policy" yaml:"imnotif_policy"`
	// ContentTypes are the accepted content types. If empty, the default registry is used.
	ContentTypes []string `mapstructure:"content_types" yaml:"content_types,omitempty"`
	// StorePath is the SQLite history database. If empty, history is kept in memory.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

// FileTransferConfig configures the file transfer client.
type FileTransferConfig struct {
	ServerURL    string                   `mapstructure:"server_url" yaml:"server_url"`
	DownloadDir  string                   `mapstructure:"download_dir" yaml:"download_dir"`
	Username     string                   `mapstructure:"username" yaml:"username"`
	Password     string                   `mapstructure:"password" yaml:"password"`
	BearerToken  string                   `mapstructure:"bearer_token" yaml:"bearer_token"`
	ChunkSize    int                      `mapstructure:"chunk_size" yaml:"chunk_size"`
	UserAgent    string                   `mapstructure:"user_agent" yaml:"user_agent"`
	AutoDownload *chat.AutoDownloadPolicy `mapstructure:"auto_download" yaml:"auto_download,omitempty"`
}

// ServerConfig configures the reference file transfer server.
type ServerConfig struct {
	Addr              string            `mapstructure:"addr" yaml:"addr"`
	BaseURL           string            `mapstructure:"base_url" yaml:"base_url"`
	Auth              string            `mapstructure:"auth" yaml:"auth"`
	AuthDownloads     bool              `mapstructure:"auth_downloads" yaml:"auth_downloads"`
	Realm             string            `mapstructure:"realm" yaml:"realm"`
	Users             map[string]string `mapstructure:"users" yaml:"users,omitempty"`
	JWTSecret         string            `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer         string            `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	StorageDir        string            `mapstructure:"storage_dir" yaml:"storage_dir"`
	LinkTTL           time.Duration     `mapstructure:"link_ttl" yaml:"link_ttl"`
	MaxUploadSize     int64             `mapstructure:"max_upload_size" yaml:"max_upload_size"`
	ReadHeaderTimeout time.Duration     `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration     `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns the configuration with starter defaults.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatConsole),
		},
		Chat: ChatConfig{
			CPIM:                     true,
			AggregationDelay:         500 * time.Millisecond,
			ImdnToEverybodyThreshold: 1,
			DedupWindow:              5 * time.Minute,
			TransactionTimeout:       32 * time.Second,
			IterateInterval:          20 * time.Millisecond,
			ImNotifPolicy:            *chat.DefaultImNotifPolicy(),
		},
		FileTransfer: FileTransferConfig{
			ChunkSize: 32 << 10,
			UserAgent: "sipchat",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			Auth:              string(ftserver.AuthNone),
			Realm:             "sipchat",
			LinkTTL:           24 * time.Hour,
			MaxUploadSize:     100 << 20,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return log.New(w, log.Format(c.Log.Format), log.ParseLevel(c.Log.Level))
}

// ClientOptions converts the file transfer section into HTTP client options.
func (c *Config) ClientOptions(logger *slog.Logger) *fthttp.ClientOptions {
	ft := c.FileTransfer
	return &fthttp.ClientOptions{
		Username:    ft.Username,
		Password:    ft.Password,
		BearerToken: ft.BearerToken,
		ChunkSize:   ft.ChunkSize,
		UserAgent:   ft.UserAgent,
		Log:         logger,
	}
}

// CoreOptions converts the chat and file transfer sections into core options.
// The store may be nil, then the core keeps history in memory.
func (c *Config) CoreOptions(transport chat.Transport, store chat.Store, logger *slog.Logger) *chat.CoreOptions {
	ch := c.Chat
	policy := ch.ImNotifPolicy
	opts := &chat.CoreOptions{
		Transport:                transport,
		Store:                    store,
		AggregationDelay:         ch.AggregationDelay,
		ImdnToEverybodyThreshold: ch.ImdnToEverybodyThreshold,
		ImNotifPolicy:            &policy,
		DedupWindow:              ch.DedupWindow,
		TransactionTimeout:       ch.TransactionTimeout,
		ResendKeepsMessageID:     ch.ResendKeepsMessageID,
		CPIM:                     ch.CPIM,
		HistoryLimit:             ch.HistoryLimit,
		IterateInterval:          ch.IterateInterval,
		Log:                      logger,
	}
	if len(ch.ContentTypes) > 0 {
		opts.Registry = chat.NewRegistry(ch.ContentTypes...)
	}
	if ft := c.FileTransfer; ft.ServerURL != "" || ft.DownloadDir != "" {
		opts.FileTransfer = &chat.FileTransferOptions{
			ServerURL:     ft.ServerURL,
			ClientOptions: c.ClientOptions(logger),
			DownloadDir:   ft.DownloadDir,
			AutoDownload:  ft.AutoDownload,
		}
	}
	return opts
}

// ServerOptions converts the server section into file transfer server options.
// The storage may be nil, then uploads are kept in memory.
func (c *Config) ServerOptions(storage ftserver.Storage, logger *slog.Logger) *ftserver.Options {
	srv := c.Server
	opts := &ftserver.Options{
		BaseURL:       srv.BaseURL,
		Auth:          ftserver.AuthMode(srv.Auth),
		AuthDownloads: srv.AuthDownloads,
		Realm:         srv.Realm,
		Users:         srv.Users,
		JWTIssuer:     srv.JWTIssuer,
		Storage:       storage,
		LinkTTL:       srv.LinkTTL,
		MaxUploadSize: srv.MaxUploadSize,
		Log:           logger,
	}
	if srv.JWTSecret != "" {
		opts.JWTSecret = []byte(srv.JWTSecret)
	}
	return opts
}
