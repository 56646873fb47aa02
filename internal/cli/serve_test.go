package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "serve", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Run the tenantd gateway in the foreground")
		assert.Contains(t, out, "--port")
	})

	t.Run("refuses to start without a shared secret", func(t *testing.T) {
		t.Setenv("TENANTD_AUTH_SHARED_SECRET", "")
		_, err := execute(t, "serve", "--config", tempConfigPath(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret is required")
	})
}
