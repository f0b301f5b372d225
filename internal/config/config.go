package config

type Config interface {
	EnvConfig
	IdentityConfig
	CookieConfig
	NotifyConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetBasePath() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Identity
	Cookies
	Notify
}

func New() Config {
	return mainConfig{}
}
