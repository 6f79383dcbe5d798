package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment overrides, e.g.
// CORPUSD_SERVER_PORT.
const EnvPrefix = "CORPUSD"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration. Precedence, lowest to highest: built-in
// defaults, config file, environment variables, runtime overrides.
//
// The config file is taken from CORPUSD_CONFIG when set, otherwise
// ./corpusd.yaml if present; a missing file is not an error.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := configFilePath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	// Runtime overrides go through Set so they land in viper's override
	// layer, above env vars. MergeConfigMap would sit at file level and
	// lose to AutomaticEnv.
	for _, override := range overrides {
		for key, value := range flattenOverrides("", override) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil before
// the first Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flattenOverrides turns a nested override map into dotted viper keys.
func flattenOverrides(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flattenOverrides(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func configFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("corpusd.yaml"); err == nil {
		return "corpusd.yaml"
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_secret", "")
	v.SetDefault("server.advance_per_minute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("registry.path", "data/registry.db")
	v.SetDefault("registry.url", "")
	v.SetDefault("registry.auth_token", "")

	v.SetDefault("storage.provider", "file")
	v.SetDefault("storage.base_dir", "data/storage")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.force_path_style", false)

	v.SetDefault("pipeline.command", "sparv")
	v.SetDefault("pipeline.work_root", "data/work")
	v.SetDefault("pipeline.max_concurrent", 2)
	v.SetDefault("pipeline.tick_interval", "15s")
	v.SetDefault("pipeline.terminate_wait", "10s")
	v.SetDefault("pipeline.annotate_args", []string{"run", "--json-log"})
	v.SetDefault("pipeline.install_search_args", []string{"install", "search", "--json-log"})
	v.SetDefault("pipeline.install_explore_args", []string{"install", "explore", "--json-log"})
	v.SetDefault("pipeline.uninstall_search_args", []string{"uninstall", "search", "--json-log"})
	v.SetDefault("pipeline.uninstall_explore_args", []string{"uninstall", "explore", "--json-log"})
	v.SetDefault("pipeline.export_blacklist", []string{"**/*.log", "**/.*"})

	v.SetDefault("resource_prefix", "corpus-")
}
