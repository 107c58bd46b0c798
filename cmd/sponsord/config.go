// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jessevdk/go-flags"

	"github.com/opwallet/sponsord/relay"
)

const (
	defaultHost       = "127.0.0.1"
	defaultPort       = "7232"
	defaultLogLevel   = "debug"
	defaultChainID    = 8453
	configFilename    = "sponsord.conf"
	defaultDBSubdir   = "db"
	defaultLogDirname = "logs"
)

var (
	defaultAppDataDir = filepath.Join(osHomeDir(), ".sponsord")
	defaultConfigPath = filepath.Join(defaultAppDataDir, configFilename)
)

func osHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// Config is the sponsord configuration. Fields double as CLI flags and INI
// keys.
type Config struct {
	AppData    string `long:"appdata" description:"Path to application directory"`
	ConfigPath string `long:"config" description:"Path to an INI configuration file"`

	Host string `long:"host" description:"Server listen host"`
	Port string `long:"port" description:"Server listen port"`

	RelayURL string `long:"relayurl" description:"Sponsoring relay JSON-RPC endpoint"`
	NodeURL  string `long:"nodeurl" description:"Chain node JSON-RPC endpoint"`
	NodeWS   string `long:"nodews" description:"Chain node websocket endpoint for event subscriptions"`

	OwnerKeyPath   string `long:"ownerkey" description:"Path to the hex-encoded owner signing key"`
	EntryPoint     string `long:"entrypoint" description:"Account-abstraction entry point contract address"`
	Factory        string `long:"factory" description:"Smart wallet factory contract address"`
	Implementation string `long:"implementation" description:"Smart wallet implementation contract address"`
	MultiSend      string `long:"multisend" description:"Multi-send delegatecall helper contract address"`
	ChainID        int64  `long:"chainid" description:"Chain ID"`

	DBPath     string `long:"db" description:"Path to the state database directory"`
	LogPath    string `long:"logpath" description:"Path to the log file"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or \"subsystem=level\" pairs"`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries"`
	Stdout     bool   `long:"stdout" description:"Mirror log output to stdout"`

	// Derived fields, set by resolveConfig rather than the file or CLI.
	Addr           string
	EntryPointAddr common.Address
	FactoryAddr    common.Address
	ImplAddr       common.Address
	MultiSendAddr  common.Address
}

func defaultConfig() *Config {
	return &Config{
		AppData:    defaultAppDataDir,
		ConfigPath: defaultConfigPath,
		Host:       defaultHost,
		Port:       defaultPort,
		ChainID:    defaultChainID,
		DebugLevel: defaultLogLevel,
	}
}

// configure parses the CLI flags and the INI configuration file. CLI values
// take precedence over file values.
func configure() (*Config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or app directory was specified.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, err
	}

	if preCfg.AppData != defaultAppDataDir {
		preCfg.AppData = relay.CleanAndExpandPath(preCfg.AppData)
		// If the app directory was changed but the config path wasn't,
		// reform the config path with the new directory.
		if preCfg.ConfigPath == defaultConfigPath {
			preCfg.ConfigPath = filepath.Join(preCfg.AppData, configFilename)
		}
	}
	cfg.AppData = preCfg.AppData
	cfg.ConfigPath = relay.CleanAndExpandPath(preCfg.ConfigPath)

	// Parse the INI file, then the command line again so CLI flags take
	// precedence.
	parser := flags.NewParser(cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigPath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		// Missing file is not an error.
	}
	if _, err = parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	return cfg, resolveConfig(cfg)
}

// resolveConfig validates the parsed values and fills the derived fields.
func resolveConfig(cfg *Config) error {
	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return fmt.Errorf("creating app directory: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.AppData, defaultDBSubdir)
	} else {
		cfg.DBPath = relay.CleanAndExpandPath(cfg.DBPath)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppData, defaultLogDirname, "sponsord.log")
	} else {
		cfg.LogPath = relay.CleanAndExpandPath(cfg.LogPath)
	}
	cfg.OwnerKeyPath = relay.CleanAndExpandPath(cfg.OwnerKeyPath)
	cfg.Addr = cfg.Host + ":" + cfg.Port

	if cfg.RelayURL == "" {
		return fmt.Errorf("no relay endpoint configured (relayurl)")
	}
	if cfg.NodeURL == "" {
		return fmt.Errorf("no chain node endpoint configured (nodeurl)")
	}
	if cfg.NodeWS == "" {
		return fmt.Errorf("no chain node websocket endpoint configured (nodews)")
	}
	if cfg.OwnerKeyPath == "" {
		return fmt.Errorf("no owner key file configured (ownerkey)")
	}

	for _, v := range []struct {
		name string
		raw  string
		addr *common.Address
	}{
		{"entrypoint", cfg.EntryPoint, &cfg.EntryPointAddr},
		{"factory", cfg.Factory, &cfg.FactoryAddr},
		{"implementation", cfg.Implementation, &cfg.ImplAddr},
		{"multisend", cfg.MultiSend, &cfg.MultiSendAddr},
	} {
		if !common.IsHexAddress(v.raw) {
			return fmt.Errorf("invalid or missing %s address %q", v.name, v.raw)
		}
		*v.addr = common.HexToAddress(v.raw)
	}
	return nil
}
