package bootstrap

import (
	"fmt"
	"os"

	"warden/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the zap logger described by cfg. Console output is colored
// for terminals; json is for log shippers.
func InitLogger(cfg config.LoggingConfig) (*zap.Logger, *zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads configuration from path, or from the default search
// locations when path is empty. It runs before the logger exists.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig records the settings that most often explain runtime behaviour
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Config loaded",
		"api_addr", cfg.API.Addr,
		"auth_enabled", cfg.Auth.Enabled,
		"storage", cfg.Storage.Driver,
		"shards", cfg.Pipeline.Shards,
		"correlation_window", cfg.Correlation.Window,
		"intel_providers", len(cfg.Enrichment.Providers),
		"redis_cache", cfg.Enrichment.Redis.Enabled,
		"playbooks_dir", cfg.Playbooks.Dir,
		"webhooks", len(cfg.Notify.Webhooks),
		"nats", cfg.Notify.NATS.Enabled,
		"kafka", cfg.Kafka.Enabled,
		"tracing", cfg.Tracing.Enabled)
	if cfg.Storage.Driver == config.StorageSQLite {
		sugar.Infow("Data paths configuration", "sqlite_path", cfg.Storage.SQLitePath)
	}
}
