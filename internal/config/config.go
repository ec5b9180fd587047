package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Port     int    `envconfig:"PORT" default:"3001"`
	DataPath string `envconfig:"DATA_PATH" default:"./data"`

	// SSH transport pool settings
	PoolIdleTimeout time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"5m"`
	SSHKeepalive    time.Duration `envconfig:"SSH_KEEPALIVE" default:"10s"`
	SSHReadyTimeout time.Duration `envconfig:"SSH_READY_TIMEOUT" default:"20s"`

	// Remembered SSH parameters older than this are evicted.
	ParamsMaxAge time.Duration `envconfig:"PARAMS_MAX_AGE" default:"168h"`

	// Client stream settings
	MaxFrameBytes int64 `envconfig:"MAX_FRAME_BYTES" default:"1048576"`

	// Terminal session settings
	CwdRefreshDelay time.Duration `envconfig:"CWD_REFRESH_DELAY" default:"1s"`
	KubeInjectDelay time.Duration `envconfig:"KUBE_INJECT_DELAY" default:"750ms"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
