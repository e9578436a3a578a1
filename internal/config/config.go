package config

import (
	"sync"

	"dustdevil/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Logger logger.Config `yaml:"logger"`
	Server Server        `yaml:"server"`
}

type Server struct {
	Listen        []string `yaml:"listen" env:"DUSTDEVIL_LISTEN" env-description:"SOCKS5 listening addresses"`
	Management    []string `yaml:"management" env:"DUSTDEVIL_MANAGEMENT" env-description:"Sandstorm listening addresses"`
	UsersFile     string   `yaml:"users_file" env:"DUSTDEVIL_USERS_FILE" env-default:"users.txt" env-description:"Path of the users file"`
	BufferSize    string   `yaml:"buffer_size" env:"DUSTDEVIL_BUFFER_SIZE" env-default:"8192" env-description:"Relay buffer size, accepts K/M/G suffixes"`
	DisableEvents bool     `yaml:"disable_events" env:"DUSTDEVIL_DISABLE_EVENTS" env-default:"false" env-description:"Refuse Sandstorm event stream subscriptions"`
}

// Default listening endpoints, used when neither config nor flags name
// any.
var (
	DefaultListen     = []string{"[::]:1080", "0.0.0.0:1080"}
	DefaultManagement = []string{"[::]:2222", "0.0.0.0:2222"}
)

var (
	once   = sync.Once{}
	cfg    = &Config{}
	errCfg error
)

// New loads the configuration from the yaml file and the environment, or
// from the environment only when skipConfig is set.
func New(configPath string, skipConfig bool) (*Config, error) {
	once.Do(func() {
		cfg = &Config{}

		if skipConfig {
			errCfg = cleanenv.ReadEnv(cfg)
			return
		}

		errCfg = cleanenv.ReadConfig(configPath, cfg)
	})

	return cfg, errCfg
}
