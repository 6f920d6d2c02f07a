package db

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm/logger"
)

type zerologWriter struct {
	l zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...any) {
	w.l.Warn().Msgf(format, args...)
}

// NewLogger reports gorm warnings, errors and slow queries through l.
// Lookups that find nothing are expected and not logged.
func NewLogger(l zerolog.Logger) logger.Interface {
	return logger.New(zerologWriter{l: l.With().Str("component", "gorm").Logger()}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
