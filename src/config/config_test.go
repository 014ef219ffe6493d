package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDefaults(t *testing.T) {
	conf := NewDefaultConfig()

	if conf.MaxPeers != 10 {
		t.Fatalf("MaxPeers => %d", conf.MaxPeers)
	}
	if conf.ChunkSize != 4096 {
		t.Fatalf("ChunkSize => %d", conf.ChunkSize)
	}
	if conf.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval => %s", conf.HeartbeatInterval)
	}
	if conf.NodeTimeout != 90*time.Second {
		t.Fatalf("NodeTimeout => %s", conf.NodeTimeout)
	}
}

func TestLogLevel(t *testing.T) {
	for in, want := range map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
		"bogus": logrus.DebugLevel,
	} {
		if got := LogLevel(in); got != want {
			t.Errorf("LogLevel(%q) => %v, want %v", in, got, want)
		}
	}
}

func TestLoggerReuse(t *testing.T) {
	conf := NewDefaultConfig()

	a := conf.Logger()
	b := conf.Logger()
	if a.Logger != b.Logger {
		t.Fatal("Logger must be built once")
	}
}
