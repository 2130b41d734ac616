package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawler:\n  max_depth: 7\n"), 0o600))

	v := viper.New()
	require.NoError(t, InitConfig(v, path))
	assert.Equal(t, 7, v.GetInt("crawler.max_depth"))
	assert.Equal(t, "localhost:6379", v.GetString("redis.addr"))
}

func TestInitConfig_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	require.Error(t, InitConfig(v, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestInitConfig_EnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_REDIS_ADDR", "redis.example:6379")
	t.Chdir(t.TempDir())

	v := viper.New()
	require.NoError(t, InitConfig(v, ""))
	assert.Equal(t, "redis.example:6379", v.GetString("redis.addr"))
}
