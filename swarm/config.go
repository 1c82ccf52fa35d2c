package swarm

import (
	"time"

	"github.com/go-swarm/swarm/peer"
	"github.com/go-swarm/swarm/piece"
	"github.com/spf13/viper"
)

// Config collects the engine's tunables. The protocol pins none of these;
// the defaults are the documented ones.
type Config struct {
	ListenAddr       string        `yaml:"ListenAddr"`
	MaxPeers         int           `yaml:"MaxPeers"`
	PipelineDepth    int           `yaml:"PipelineDepth"`
	EndgameThreshold int           `yaml:"EndgameThreshold"`
	RequestTimeout   time.Duration `yaml:"RequestTimeout"`
	IdleTimeout      time.Duration `yaml:"IdleTimeout"`
	ChokeInterval    time.Duration `yaml:"ChokeInterval"`
	Downloaders      int           `yaml:"Downloaders"`
	DisableTrackers  bool          `yaml:"DisableTrackers"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":0",
		MaxPeers:         100,
		PipelineDepth:    10,
		EndgameThreshold: 16,
		RequestTimeout:   30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ChokeInterval:    10 * time.Second,
		Downloaders:      4,
		DisableTrackers:  false,
	}
}

// InitConf loads an optional YAML config file, falling back to defaults for
// anything unset.
func InitConf() (Config, error) {
	viper.SetConfigName("swarm")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/swarm/")
	viper.AddConfigPath("$HOME/.swarm")
	viper.AddConfigPath(".")

	def := DefaultConfig()
	viper.SetDefault("ListenAddr", def.ListenAddr)
	viper.SetDefault("MaxPeers", def.MaxPeers)
	viper.SetDefault("PipelineDepth", def.PipelineDepth)
	viper.SetDefault("EndgameThreshold", def.EndgameThreshold)
	viper.SetDefault("RequestTimeout", def.RequestTimeout)
	viper.SetDefault("IdleTimeout", def.IdleTimeout)
	viper.SetDefault("ChokeInterval", def.ChokeInterval)
	viper.SetDefault("Downloaders", def.Downloaders)
	viper.SetDefault("DisableTrackers", def.DisableTrackers)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return def, err
		}
	}

	return Config{
		ListenAddr:       viper.GetString("ListenAddr"),
		MaxPeers:         viper.GetInt("MaxPeers"),
		PipelineDepth:    viper.GetInt("PipelineDepth"),
		EndgameThreshold: viper.GetInt("EndgameThreshold"),
		RequestTimeout:   viper.GetDuration("RequestTimeout"),
		IdleTimeout:      viper.GetDuration("IdleTimeout"),
		ChokeInterval:    viper.GetDuration("ChokeInterval"),
		Downloaders:      viper.GetInt("Downloaders"),
		DisableTrackers:  viper.GetBool("DisableTrackers"),
	}, nil
}

// apply pushes the tunables into the package knobs the components read.
func (c Config) apply() {
	if c.MaxPeers > 0 {
		peer.MAX_PEERS = c.MaxPeers
	}
	if c.PipelineDepth > 0 {
		piece.MAX_PIPELINED_REQUESTS = c.PipelineDepth
	}
	if c.EndgameThreshold > 0 {
		piece.ENDGAME_THRESHOLD = c.EndgameThreshold
	}
	if c.RequestTimeout > 0 {
		piece.REQUEST_TIMEOUT = c.RequestTimeout
	}
	if c.IdleTimeout > 0 {
		peer.IDLE_TIMEOUT = int(c.IdleTimeout / time.Second)
	}
	if c.ChokeInterval > 0 {
		peer.CHOKE_INTERVAL = int(c.ChokeInterval / time.Second)
	}
	if c.Downloaders > 0 {
		peer.DOWNLOADERS = c.Downloaders
	}
}
