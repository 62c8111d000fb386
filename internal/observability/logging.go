// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// SetLevel swaps the global logger for one filtering at the given level.
func SetLevel(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// RoomLogger provides structured logging for one conversation room.
type RoomLogger struct {
	chatID string
	logger *Logger
}

// NewRoomLogger creates a RoomLogger for the given conversation.
func NewRoomLogger(chatID string) *RoomLogger {
	return &RoomLogger{
		chatID: chatID,
		logger: GlobalLogger,
	}
}

// LogOpen logs a room being opened with its seeded history size.
func (l *RoomLogger) LogOpen(ctx context.Context, historySize int) {
	l.logger.InfoContext(ctx, "room opened",
		slog.String("chat_id", l.chatID),
		slog.Int("history_size", historySize),
	)
}

// LogSend logs an optimistic send entering the outbox.
func (l *RoomLogger) LogSend(ctx context.Context, clientTag string, hasAttachment bool) {
	l.logger.InfoContext(ctx, "message submitted",
		slog.String("chat_id", l.chatID),
		slog.String("client_tag", clientTag),
		slog.Bool("attachment", hasAttachment),
	)
}

// LogConfirm logs a send confirmation and the id swap.
func (l *RoomLogger) LogConfirm(ctx context.Context, clientTag, messageID string) {
	l.logger.InfoContext(ctx, "message confirmed",
		slog.String("chat_id", l.chatID),
		slog.String("client_tag", clientTag),
		slog.String("message_id", messageID),
	)
}

// LogSendFailed logs a send failure scoped to one message.
func (l *RoomLogger) LogSendFailed(ctx context.Context, clientTag string, err error) {
	l.logger.ErrorContext(ctx, "message send failed",
		slog.String("chat_id", l.chatID),
		slog.String("client_tag", clientTag),
		slog.String("error", err.Error()),
	)
}

// LogFeedError logs a live-feed error surfaced as room error state.
func (l *RoomLogger) LogFeedError(ctx context.Context, err error) {
	l.logger.ErrorContext(ctx, "live feed error",
		slog.String("chat_id", l.chatID),
		slog.String("error", err.Error()),
	)
}

// LogClose logs a room teardown.
func (l *RoomLogger) LogClose(ctx context.Context) {
	l.logger.InfoContext(ctx, "room closed",
		slog.String("chat_id", l.chatID),
	)
}
