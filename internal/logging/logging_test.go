package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"chatty":  zapcore.InfoLevel,
		"INFO":    zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHonorsLevel(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		l := New(Config{Env: env, Level: "warn", Service: "authgate"})
		if l.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("%s logger has info enabled at warn level", env)
		}
		if !l.Core().Enabled(zapcore.ErrorLevel) {
			t.Fatalf("%s logger has error disabled", env)
		}
	}
}
