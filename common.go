package discovery

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Timeout = time.Second * 5
)

var (
	ErrConnect    = errors.New("coordination store unreachable")
	ErrWatch      = errors.New("watch failed")
	ErrResolution = errors.New("endpoint resolution failed")
	ErrLease      = errors.New("lease failure")
)

var defaultLogger = sync.OnceValue(func() *zap.SugaredLogger {
	logger, err := NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logger = zap.NewExample()
	}
	return logger.Sugar()
})

// DefaultLogger is what every component logs through unless a
// WithLogInfoFunc/WithLogErrorFunc option replaces it.
func DefaultLogger() *zap.SugaredLogger {
	return defaultLogger()
}

// NewLogger builds a JSON production logger. An empty level means info.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	return cfg.Build()
}
