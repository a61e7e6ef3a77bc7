// Package config holds the keeper's environment-derived configuration as a
// single explicit value, per spec.md §9 ("Global state ... Replace with an
// explicit configuration value passed into every component constructor").
// Command-line parsing and config-file reading/writing are external
// collaborators (spec.md §1); this package only binds the environment
// variables spec.md §6 names, the way the teacher binds viper — but to env
// vars only, never a file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is threaded as an argument into every component constructor. Nothing
// mutates it after startup except Reload, which is called in response to
// SIGHUP and produces a brand new value.
type Config struct {
	PGData                string
	MonitorURI            string
	NodeName              string
	NodeHost              string
	NodePort              int
	Formation             string
	CandidatePriority     int
	ReplicationQuorum     bool
	Verbose               bool

	CycleInterval      time.Duration
	BaseBackupMaxRate  int64 // bytes/sec, 0 = unlimited
	HBALevel           string
	ForceOverwrite     bool // operator override: allow InitStandby over a non-empty PGData
}

const envPrefix = "PG_AUTOCTL"

// Load reads the environment variables named in spec.md §6. It never reads a
// config file: file-based configuration is an explicit Non-goal owned by an
// external collaborator.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_port", 5432)
	v.SetDefault("candidate_priority", 100)
	v.SetDefault("replication_quorum", true)
	v.SetDefault("cycle_interval", 5*time.Second)
	v.SetDefault("hba_level", "lan")
	v.SetDefault("formation", "default")

	return Config{
		PGData:            firstNonEmpty(v.GetString("pgdata"), os.Getenv("PGDATA")),
		MonitorURI:        v.GetString("monitor"),
		NodeName:          v.GetString("node_name"),
		NodeHost:          v.GetString("node_host"),
		NodePort:          v.GetInt("node_port"),
		Formation:         v.GetString("formation"),
		CandidatePriority: v.GetInt("candidate_priority"),
		ReplicationQuorum: v.GetBool("replication_quorum"),
		Verbose:           v.GetBool("debug"),
		CycleInterval:     v.GetDuration("cycle_interval"),
		HBALevel:          v.GetString("hba_level"),
		ForceOverwrite:    v.GetBool("force_overwrite"),
	}
}

// Reload re-reads the environment, producing a fresh Config. Bound to SIGHUP
// in cmd/pg-keeper; callers swap their held Config atomically, never mutate
// in place (spec.md §9).
func Reload() Config { return Load() }

func firstNonEmpty(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}

