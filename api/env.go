package api

// Environment variables used by asset-fetch.
const (
	// LogLevelEnv is the environment variable used to set the log level.
	LogLevelEnv = "ASSET_FETCH_LOGGING"
	// ConfigFileEnv is the environment variable used to set the configuration file.
	ConfigFileEnv = "ASSET_FETCH_CONFIG_FILE"
)
