package log

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	type logTest struct {
		with       []interface{}
		level      int
		allowedLvl int
		msg        string
		out        []string
	}

	w := func(kv ...interface{}) []interface{} {
		return kv
	}
	o := func(outs ...string) []string {
		return outs
	}
	var tests = []logTest{
		{nil, InfoLevel, InfoLevel, "hello", o("hello")},
		{nil, DebugLevel, InfoLevel, "hello", nil},
		{nil, ErrorLevel, DebugLevel, "hello", o("hello")},
		{nil, WarnLevel, ErrorLevel, "hello", nil},
		{nil, WarnLevel, DebugLevel, "hello", o("hello")},
		{w("pointer", "0,0"), WarnLevel, InfoLevel, "hello", o("pointer", "0,0", "hello")},
	}

	for i, test := range tests {
		t.Logf(" -- test %d -- \n", i)

		var b bytes.Buffer
		writer := bufio.NewWriter(&b)
		logger := New(zapcore.AddSync(writer), test.allowedLvl, true)
		if test.with != nil {
			logger = logger.With(test.with...)
		}

		var logging func(string, ...interface{})
		switch test.level {
		case InfoLevel:
			logging = logger.Infow
		case DebugLevel:
			logging = logger.Debugw
		case WarnLevel:
			logging = logger.Warnw
		case ErrorLevel:
			logging = logger.Errorw
		default:
			t.FailNow()
		}

		logging(test.msg)
		require.NoError(t, writer.Flush())

		requireContains(t, &b, test.out, test.out != nil)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, InfoLevel, lvl)

	_, err = ParseLevel("chatty")
	require.Error(t, err)
}

func TestLoggerOnContext(t *testing.T) {
	var b bytes.Buffer
	writer := bufio.NewWriter(&b)
	l := New(zapcore.AddSync(writer), InfoLevel, false).Named("ctx")

	ctx := ToContext(context.Background(), l)
	FromContextOrDefault(ctx).Infow("from context")
	require.NoError(t, writer.Flush())

	require.Contains(t, b.String(), "from context")
	require.Contains(t, b.String(), "ctx")
}

func requireContains(t *testing.T, r io.Reader, outs []string, present bool) {
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	if !present {
		require.Equal(t, "", string(out))
		return
	}
	for _, o := range outs {
		require.Contains(t, string(out), o)
	}
}
