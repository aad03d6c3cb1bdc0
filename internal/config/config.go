// Package config parses rpc.conf (spec §6.1) into a Config and provides the
// env-or-default helper the rest of the dtnrpc stack uses for its cobra
// flags. CLI flag overrides are applied by the caller, not by this package.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dtnrpc/dtnrpc/internal/selector"
)

// Config is everything a node needs to start, whether running as client or
// server.
type Config struct {
	SID           string
	StoreBaseURL  string
	BasicAuthUser string
	BasicAuthPass string

	SelectorPolicy selector.Policy
	SelectorSeed   int64

	LogLevel string

	Queue bool // sequential Step Handler execution when true

	CleanupDBPath string

	DebugHTTPAddr string

	DiskPath string // sampled for disk_space capability reporting

	// BinDir is where this node's offered procedures' executables live
	// (spec §4.6 step 5).
	BinDir string

	// WorkDir is the parent directory under which each call's scoped
	// working directory is created (spec §4.6 step 1).
	WorkDir string

	// Procedures lists the procedures this node offers, as
	// "name:arity[,name:arity...]" (e.g. "resize:2,thumbnail:1"). Arity is
	// the number of arguments a job line must carry for the Step Handler's
	// offering check (Catalog.SelfOffers) to accept that step.
	Procedures string

	// GPSCoord, if set, is "x,y" and populates the node's advertised
	// gps_coord capability. Energy, if set, populates its advertised
	// energy capability. Both are fixed, node-configured values — spec §3
	// treats them as declarations, not live measurements.
	GPSCoord string
	Energy   string
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		SelectorPolicy: selector.PolicyBest,
		SelectorSeed:   0,
		LogLevel:       "info",
		CleanupDBPath:  "dtnrpc_cleanup.db",
		DebugHTTPAddr:  "127.0.0.1:9190",
		DiskPath:       "/",
		BinDir:         "./bin",
		WorkDir:        "./work",
	}
}

// Load reads path (the `-f/--config` file, spec §6.1) as `key = value` lines
// and overlays the parsed values onto a Default Config. Blank lines and
// lines starting with '#' are ignored. An absent file is not an error — a
// node may run entirely off flags/env.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		cfg.SID = EnvOrDefault("DTNRPC_SID", "")
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, fmt.Errorf("config: %s:%d: expected key = value, got %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applyKey(&cfg, key, value); err != nil {
			return cfg, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if cfg.SID == "" {
		cfg.SID = EnvOrDefault("DTNRPC_SID", "")
	}

	return cfg, nil
}

func applyKey(cfg *Config, key, value string) error {
	switch key {
	case "sid":
		cfg.SID = value
	case "store_base_url":
		cfg.StoreBaseURL = value
	case "basic_auth_user":
		cfg.BasicAuthUser = value
	case "basic_auth_pass":
		cfg.BasicAuthPass = value
	case "selector_policy":
		cfg.SelectorPolicy = selector.Policy(value)
	case "selector_seed":
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("selector_seed: %w", err)
		}
		cfg.SelectorSeed = seed
	case "log_level":
		cfg.LogLevel = value
	case "queue":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		cfg.Queue = b
	case "cleanup_db_path":
		cfg.CleanupDBPath = value
	case "debug_http_addr":
		cfg.DebugHTTPAddr = value
	case "disk_path":
		cfg.DiskPath = value
	case "bin_dir":
		cfg.BinDir = value
	case "work_dir":
		cfg.WorkDir = value
	case "procedures":
		cfg.Procedures = value
	case "gps_coord":
		cfg.GPSCoord = value
	case "energy":
		cfg.Energy = value
	default:
		// Unknown keys are ignored rather than rejected, so older config
		// files keep working across additive changes to the format.
	}
	return nil
}

// EnvOrDefault returns the environment variable key's value, or defaultVal
// if unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
