package cluster

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
)

const (
	envRank   = "CONCORD_RANK"
	envHosts  = "CONCORD_HOSTS"
	envLaunch = "CONCORD_LAUNCH"
)

// Config describes one rank's view of the cluster. An empty host list (or a
// single host) selects standalone mode: no sockets, all distributed calls
// collapse to pass-throughs.
type Config struct {
	Rank        int
	Hosts       []string
	Launch      uuid.UUID
	DialTimeout time.Duration
}

func (cfg *Config) size() int {
	if len(cfg.Hosts) == 0 {
		return 1
	}
	return len(cfg.Hosts)
}

func (cfg *Config) validate() error {
	if cfg.size() == 1 {
		return nil
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Hosts) {
		return fmt.Errorf("rank %v out of range [0, %v)", cfg.Rank, len(cfg.Hosts))
	}
	return nil
}

// ConfigFromEnv reads the launch description from CONCORD_RANK,
// CONCORD_HOSTS (comma separated) and CONCORD_LAUNCH.
func ConfigFromEnv() (Config, error) {
	var cfg = Config{DialTimeout: 10 * time.Second}
	if s, ok := os.LookupEnv(envRank); ok && s != "" {
		var rank, err = strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("%v: %w", envRank, err)
		}
		cfg.Rank = rank
	}
	if s, ok := os.LookupEnv(envHosts); ok && s != "" {
		cfg.Hosts = strings.Split(s, ",")
	}
	if s, ok := os.LookupEnv(envLaunch); ok && s != "" {
		var launch, err = uuid.Parse(s)
		if err != nil {
			return Config{}, fmt.Errorf("%v: %w", envLaunch, err)
		}
		cfg.Launch = launch
	}
	return cfg, cfg.validate()
}

// Hostfile is the JSON launch description shared by every rank of one run.
type Hostfile struct {
	Launch string   `json:"launch"`
	Hosts  []string `json:"hosts"`
}

// NewHostfile describes a fresh launch of the given hosts.
func NewHostfile(hosts []string) Hostfile {
	return Hostfile{
		Launch: uuid.New().String(),
		Hosts:  hosts,
	}
}

func (hf *Hostfile) Marshal() ([]byte, error) {
	return sonnet.Marshal(hf)
}

// LoadHostfile reads a shared hostfile and combines it with this rank.
func LoadHostfile(path string, rank int) (Config, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var hf Hostfile
	if err = sonnet.Unmarshal(data, &hf); err != nil {
		return Config{}, fmt.Errorf("hostfile %v: %w", path, err)
	}
	var cfg = Config{
		Rank:        rank,
		Hosts:       hf.Hosts,
		DialTimeout: 10 * time.Second,
	}
	if hf.Launch != "" {
		var launch uuid.UUID
		launch, err = uuid.Parse(hf.Launch)
		if err != nil {
			return Config{}, fmt.Errorf("hostfile %v: %w", path, err)
		}
		cfg.Launch = launch
	}
	return cfg, cfg.validate()
}
