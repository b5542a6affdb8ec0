package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/danabek/goszakup-ingest/config"
)

func TestLoggerConfigHonorsLogLevel(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		pretty bool
		want   zapcore.Level
	}{
		{name: "production warn", level: "warn", want: zapcore.WarnLevel},
		{name: "production debug", level: "debug", want: zapcore.DebugLevel},
		{name: "pretty error", level: "error", pretty: true, want: zapcore.ErrorLevel},
		{name: "unknown level keeps production default", level: "chatty", want: zapcore.InfoLevel},
		{name: "unknown level keeps development default", level: "chatty", pretty: true, want: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zapConfig := loggerConfig(&config.Config{LogLevel: tt.level, PrettyLogs: tt.pretty})
			assert.Equal(t, tt.want, zapConfig.Level.Level())
		})
	}
}
