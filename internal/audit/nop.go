package audit

import (
	"context"
	"time"
)

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogSessionConnected(context.Context, string, string, string, string) error {
	return nil
}
func (nopLogger) LogSessionClosed(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (nopLogger) LogConversationCreated(context.Context, int64, string, string) error { return nil }
func (nopLogger) LogStreamCompleted(context.Context, int64, string, string, time.Duration) error {
	return nil
}
func (nopLogger) LogStreamFailed(context.Context, int64, string, string, string, error) error {
	return nil
}
func (nopLogger) LogTitleUpdated(context.Context, int64, string) error { return nil }
func (nopLogger) Sync() error                                          { return nil }
func (nopLogger) Close() error                                         { return nil }
