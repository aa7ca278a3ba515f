package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	FieldService   = "service"
	FieldStage     = "stage"
	FieldJobKey    = "job_key"
	FieldAttempt   = "attempt"
	FieldAccountID = "account_id"
	FieldListingID = "listing_id"
	FieldWatchID   = "watch_id"
	FieldUserID    = "user_id"
	FieldSite      = "site"
	// FieldProvider and FieldModel describe the LLM behind a summary.
	FieldProvider = "ai_provider"
	FieldModel    = "ai_model"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches fields to logger, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// JobFields identify one stage invocation.
func JobFields(stage, key string, attempt int) []zap.Field {
	fields := StringFields(
		StringField{Key: FieldStage, Value: stage},
		StringField{Key: FieldJobKey, Value: key},
	)
	if attempt > 0 {
		fields = append(fields, zap.Int(FieldAttempt, attempt))
	}
	return fields
}

// AIFields describe the provider and model; empty values are dropped.
func AIFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}
