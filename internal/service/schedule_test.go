package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/service"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		for _, expr := range []string{
			"0 * * * *",
			"*/5 * * * *",
			"30 3 * * 1-5",
			"@hourly",
			"@daily",
			"  0 0 * * *  ",
		} {
			require.NoError(t, service.ParseCron(expr), "expr %q", expr)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		for _, expr := range []string{
			"",
			"   ",
			"not a cron spec",
			"61 * * * *",
			"0 0 * * * *",
			"@nonsense",
		} {
			require.Error(t, service.ParseCron(expr), "expr %q", expr)
		}
	})
}
