// Package run contains the command to run an objstack server.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/objstack/objstack/internal/password"
	"github.com/objstack/objstack/internal/server"
	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/storage"
	"github.com/objstack/objstack/pkg/storage/memory"
	"github.com/objstack/objstack/pkg/storage/postgres"
	"github.com/objstack/objstack/pkg/storage/sqlcommon"
	"github.com/objstack/objstack/pkg/storage/sqlite"
	"github.com/objstack/objstack/pkg/triggers"
)

// Config is everything the run command can configure.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Log       LogConfig       `mapstructure:"log"`

	SessionCacheSize int64 `mapstructure:"session-cache-size"`
}

// AppConfig identifies the application served and its keys.
type AppConfig struct {
	ID               string `mapstructure:"id"`
	MasterKey        string `mapstructure:"master-key"`
	ClientKey        string `mapstructure:"client-key"`
	FileKey          string `mapstructure:"file-key"`
	CollectionPrefix string `mapstructure:"collection-prefix"`
	Mount            string `mapstructure:"mount"`
}

type HTTPConfig struct {
	Addr               string   `mapstructure:"addr"`
	CORSAllowedOrigins []string `mapstructure:"cors-allowed-origins"`
	CORSAllowedHeaders []string `mapstructure:"cors-allowed-headers"`
}

type DatastoreConfig struct {
	Engine       string `mapstructure:"engine"`
	URI          string `mapstructure:"uri"`
	MaxOpenConns int    `mapstructure:"max-open-conns"`
	MaxIdleConns int    `mapstructure:"max-idle-conns"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ID:    "objstack",
			Mount: "http://localhost:8080/1",
		},
		HTTP: HTTPConfig{
			Addr:               ":8080",
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxOpenConns: 30,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		SessionCacheSize: 10000,
	}
}

// Verify rejects configurations the server cannot start with.
func (c *Config) Verify() error {
	switch c.Datastore.Engine {
	case "memory":
	case "sqlite", "postgres":
		if c.Datastore.URI == "" {
			return fmt.Errorf("config 'datastore.uri' is required for the %s engine", c.Datastore.Engine)
		}
	default:
		return fmt.Errorf("storage engine '%s' is unsupported", c.Datastore.Engine)
	}
	if c.App.ID == "" {
		return errors.New("config 'app.id' must not be empty")
	}
	if c.App.MasterKey == "" {
		return errors.New("config 'app.master-key' must not be empty")
	}
	return nil
}

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the objstack server",
		Long:  "Run the objstack server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := DefaultConfig()
	flags := cmd.Flags()

	flags.String("app-id", defaultConfig.App.ID, "the application id clients must present")
	flags.String("app-master-key", defaultConfig.App.MasterKey, "the master key that bypasses all permission checks")
	flags.String("app-client-key", defaultConfig.App.ClientKey, "the client key, validated when set")
	flags.String("app-file-key", defaultConfig.App.FileKey, "the legacy file key used when rewriting hosted file URLs")
	flags.String("app-collection-prefix", defaultConfig.App.CollectionPrefix, "prefix applied to every storage collection name")
	flags.String("app-mount", defaultConfig.App.Mount, "the public URL the API is mounted at, used in Location headers")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of idle connections to the datastore")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Int64("session-cache-size", defaultConfig.SessionCacheSize, "the maximum number of resolved session tokens kept in memory")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		mustBindPFlag("app.id", flags.Lookup("app-id"))
		mustBindPFlag("app.master-key", flags.Lookup("app-master-key"))
		mustBindPFlag("app.client-key", flags.Lookup("app-client-key"))
		mustBindPFlag("app.file-key", flags.Lookup("app-file-key"))
		mustBindPFlag("app.collection-prefix", flags.Lookup("app-collection-prefix"))
		mustBindPFlag("app.mount", flags.Lookup("app-mount"))

		mustBindPFlag("http.addr", flags.Lookup("http-addr"))
		mustBindPFlag("http.cors-allowed-origins", flags.Lookup("http-cors-allowed-origins"))
		mustBindPFlag("http.cors-allowed-headers", flags.Lookup("http-cors-allowed-headers"))

		mustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
		mustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
		mustBindPFlag("datastore.max-open-conns", flags.Lookup("datastore-max-open-conns"))
		mustBindPFlag("datastore.max-idle-conns", flags.Lookup("datastore-max-idle-conns"))

		mustBindPFlag("log.format", flags.Lookup("log-format"))
		mustBindPFlag("log.level", flags.Lookup("log-level"))

		mustBindPFlag("session-cache-size", flags.Lookup("session-cache-size"))
	}
}

// ReadConfig returns the server configuration based on the values
// provided in the server's 'config.yaml' file and the environment.
func ReadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	return cfg, nil
}

func run(_ *cobra.Command, _ []string) {
	cfg, err := ReadConfig()
	if err != nil {
		panic(err)
	}
	if err := cfg.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func runServer(ctx context.Context, cfg *Config, log *logger.ZapLogger) error {
	ds, err := buildDatastore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer ds.Close()

	sessionCache, err := auth.NewSessionCache(cfg.SessionCacheSize)
	if err != nil {
		return err
	}
	defer sessionCache.Close()

	app := &config.Config{
		AppID:            cfg.App.ID,
		MasterKey:        cfg.App.MasterKey,
		ClientKey:        cfg.App.ClientKey,
		FileKey:          cfg.App.FileKey,
		CollectionPrefix: cfg.App.CollectionPrefix,
		Mount:            cfg.App.Mount,
		Database:         database.New(ds, cfg.App.CollectionPrefix, log),
		Triggers:         triggers.NewRegistry(),
		SessionCache:     sessionCache,
		Hasher:           password.New(),
		Logger:           log,
	}

	return server.New(app, server.Config{
		Addr:               cfg.HTTP.Addr,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		CORSAllowedHeaders: cfg.HTTP.CORSAllowedHeaders,
	}).Run(ctx)
}

func buildDatastore(ctx context.Context, cfg *Config, log *logger.ZapLogger) (storage.Datastore, error) {
	switch cfg.Datastore.Engine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		ds, err := sqlite.New(cfg.Datastore.URI, sqlcommon.NewConfig(
			sqlcommon.WithLogger(log),
			sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
			sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		))
		if err != nil {
			return nil, err
		}
		if err := ds.Initialize(ctx); err != nil {
			return nil, err
		}
		return ds, nil
	case "postgres":
		ds, err := postgres.New(cfg.Datastore.URI, sqlcommon.NewConfig(
			sqlcommon.WithLogger(log),
			sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
			sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		))
		if err != nil {
			return nil, err
		}
		if err := ds.Initialize(ctx); err != nil {
			return nil, err
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}
}
