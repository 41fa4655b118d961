// Package logger provides leveled, structured logging for the relay.
//
// Long-lived connections get their own logger carried in a context. The
// logger is tagged with a connection ID and, once the connection is
// authenticated, with the client identity, so that all log lines of one
// session can be correlated.
package logger

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeySessionLoggerType struct{}

var contextKeySessionLogger = &contextKeySessionLoggerType{}

const (
	connectionLoggerKey string = "connectionID"
	identityLoggerKey   string = "identity"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// Default returns a logger without a connection ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithConnectionLogger returns a new context with a logger tagged with
// the given connection ID. If the context already has a logger the given
// context is returned unchanged.
func ContextWithConnectionLogger(ctx context.Context, connectionID uuid.UUID) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(connectionLoggerKey, connectionID.String())
	return context.WithValue(ctx, contextKeySessionLogger, rlog), rlog
}

// ContextWithIdentity adds the authenticated client identity to the context's
// logger. If the context has no logger yet, one is created.
func ContextWithIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		ctx, rlog = ContextWithConnectionLogger(ctx, uuid.New())
	}
	rlog = rlog.WithField(identityLoggerKey, identity)
	return context.WithValue(ctx, contextKeySessionLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeySessionLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not
// have a logger a default logger is returned. If the provided context is nil,
// the default logger will be returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return rlog
}
