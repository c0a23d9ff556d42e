package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamSink appends records to a Redis stream.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ Sink = (*RedisStreamSink)(nil)

// NewRedisStreamSink writes to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":                    strconv.FormatInt(rec.ID, 10),
			"interactionId":         rec.InteractionID,
			"authorisationServerId": rec.AuthorisationServerID,
			"failedValidation":      strconv.FormatBool(rec.Report.FailedValidation),
			"record":                string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// LogSink writes records to the structured log. Used when no stream is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, rec Record) error {
	s.logger.Info("validation result",
		zap.Int64("id", rec.ID),
		zap.String("interaction_id", rec.InteractionID),
		zap.String("authorisation_server_id", rec.AuthorisationServerID),
		zap.String("url", rec.Request.URL),
		zap.Int("status", rec.Response.Status),
		zap.Bool("failed_validation", rec.Report.FailedValidation),
		zap.Strings("errors", rec.Report.Errors),
	)
	return nil
}
