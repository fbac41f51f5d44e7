package logging_test

import (
	"testing"

	"github.com/tweag/asset-fetch/internal/logging"
)

func TestFromString(t *testing.T) {
	cases := []struct {
		input string
		want  logging.LogLevel
	}{
		{"error", logging.LogLevelError},
		{"Warning", logging.LogLevelWarning},
		{"basic", logging.LogLevelBasic},
		{"DEBUG", logging.LogLevelDebug},
		{"0", logging.LogLevelError},
		{"3", logging.LogLevelDebug},
		{"-5", logging.LogLevelError},
		{"99", logging.LogLevelDebug},
		{"verbose", logging.LogLevelBasic},
		{"", logging.LogLevelBasic},
	}
	for _, tc := range cases {
		if got := logging.FromString(tc.input); got != tc.want {
			t.Errorf("FromString(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	previous := logging.GetLevel()
	defer logging.SetLevel(previous)

	logging.SetLevel(logging.LogLevelDebug)
	if logging.GetLevel() != logging.LogLevelDebug {
		t.Errorf("expected debug level, got %d", logging.GetLevel())
	}
}
