package testlogger

import (
	"os"
	"testing"

	"github.com/catalyst-network/catalyst/common/log"
)

// Level returns the level tests log at, honouring CATALYST_TEST_LOGS=DEBUG.
func Level(t testing.TB) int {
	logLevel := log.InfoLevel
	if debugEnv, isDebug := os.LookupEnv("CATALYST_TEST_LOGS"); isDebug && debugEnv == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		logLevel = log.DebugLevel
	}
	return logLevel
}

// New returns a logger tagged with the running test name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).
		With("testName", t.Name())
}
