package logging

import (
	"strings"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log struct {
	Base   *zap.Logger
	Sugar  *zap.SugaredLogger
	Level  zap.AtomicLevel
	Closer func()
}

// Init: prod — JSON, dev — консольный вывод. Записи уровня error уходят в Sentry
// как breadcrumbs, чтобы у исключений был контекст.
func Init(level, env string) (*Log, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var cfg zap.Config
	if strings.ToLower(env) == "prod" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{"service": "adsum"}

	base, err := cfg.Build(zap.AddStacktrace(zap.ErrorLevel), zap.Hooks(sentryBreadcrumb))
	if err != nil {
		return nil, err
	}
	return &Log{
		Base:   base,
		Sugar:  base.Sugar(),
		Level:  lvl,
		Closer: func() { _ = base.Sync() },
	}, nil
}

// Named — логгер компонента (session, submission, httpapi…).
func (l *Log) Named(component string) *zap.Logger {
	return l.Base.Named(component)
}

func sentryBreadcrumb(e zapcore.Entry) error {
	if e.Level < zapcore.WarnLevel {
		return nil
	}
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  e.LoggerName,
		Message:   e.Message,
		Level:     sentryLevel(e.Level),
		Timestamp: e.Time,
	})
	return nil
}

func sentryLevel(l zapcore.Level) sentry.Level {
	switch l {
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}
