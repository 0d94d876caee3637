package log

import (
	"os"
	"testing"

	"github.com/op/go-logging"
)

func TestLevelFromEnv(t *testing.T) {
	defer os.Unsetenv("PIPERPC_LOG_LEVEL")

	os.Setenv("PIPERPC_LOG_LEVEL", "DEBUG")
	if levelFromEnv(logging.INFO) != logging.DEBUG {
		t.Fatal("env level ignored")
	}
	os.Setenv("PIPERPC_LOG_LEVEL", "bogus")
	if levelFromEnv(logging.WARNING) != logging.WARNING {
		t.Fatal("expected default level")
	}
}

func TestLoggerFallback(t *testing.T) {
	if Logger(nil) != Log {
		t.Fatal("nil logger should fall back to package logger")
	}
	l := logging.MustGetLogger("other")
	if Logger(l) != l {
		t.Fatal("explicit logger replaced")
	}
}
