package logutil

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// InitLogger replaces the no-op default with a production logger writing to
// stderr, so that report output on stdout stays clean.
func InitLogger(opts ...zap.Option) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build(opts...)
	if err != nil {
		l = zap.NewExample()
	}
	SetLogger(l)
}

func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger installs l as the process logger. Tests use it with zaptest or
// observer loggers.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// SetLevel changes the level of the logger built by InitLogger.
func SetLevel(lvl string) error {
	return level.UnmarshalText([]byte(lvl))
}
