package logger

import (
	"os"
	"path/filepath"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a logger from the logging config.
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}

	switch cfg.Output {
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0755); err != nil {
			return nil, err
		}
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize, // megabytes
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge, // days
			Compress:   true,
		})
	default:
		log.SetOutput(os.Stdout)
	}

	return log, nil
}

// WithUser adds the common per-event fields.
func WithUser(log *logrus.Logger, userID, chatID int64) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"user_id": userID,
		"chat_id": chatID,
	})
}
