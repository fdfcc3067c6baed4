package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSkipsConfig(t *testing.T) {

	path := filepath.Join(t.TempDir(), "fnchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("eventLogInterval: 42\n"), 0o600))
	cfgFile = path
	viper.Reset()
	defer func() {
		cfgFile = ""
		viper.Reset()
	}()

	rootCmd.PersistentPreRun(workerCmd, nil)
	assert.False(t, viper.IsSet("eventLogInterval"))

	rootCmd.PersistentPreRun(runCmd, nil)
	assert.Equal(t, 42, viper.GetInt("eventLogInterval"))
}
