package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Development environments get a
// human-readable console encoder; everything else logs JSON.
func New(level zapcore.Level, appEnv, appName, version string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if appEnv == "dev" || appEnv == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build(zap.AddStacktrace(zap.FatalLevel))
	if err != nil {
		return nil, err
	}

	return logger.Sugar().With("app", appName, "version", version, "env", appEnv), nil
}
