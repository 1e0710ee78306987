package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/weaveworks/common/tracing"
	"gopkg.in/yaml.v2"

	"github.com/sqlgrid/sqlgrid/pkg/sqlgrid"
	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
	util_log "github.com/sqlgrid/sqlgrid/pkg/util/log"
)

func init() {
	prometheus.MustRegister(version.NewCollector("sqlgrid"))
}

const configFileOption = "config.file"

var testMode = false

func main() {
	var cfg sqlgrid.Config

	configFile := parseConfigFileParameter(os.Args[1:])

	// This sets default values from flags to the config.
	// It needs to be called before parsing the config file!
	flagext.RegisterFlags(&cfg)

	if configFile != "" {
		if err := LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			if testMode {
				return
			}
			os.Exit(1)
		}
	}

	// Ignore -config.file here, since it was already parsed, but it's still present on command line.
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load.")

	if testMode {
		// Don't exit on error in test mode. Just parse parameters, dump config and stop.
		flag.CommandLine.Init(flag.CommandLine.Name(), flag.ContinueOnError)
		_ = flag.CommandLine.Parse(os.Args[1:])
		DumpYaml(&cfg)
		return
	}

	flag.Parse()

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		os.Exit(1)
	}

	if cfg.PrintConfig {
		DumpYaml(&cfg)
		return
	}

	util_log.InitLogger(&cfg.Server)

	// Setting the environment variable JAEGER_AGENT_HOST enables tracing.
	trace, err := tracing.NewFromEnv("sqlgrid-" + cfg.Target)
	if err != nil {
		level.Error(util_log.Logger).Log("msg", "Failed to setup tracing", "err", err.Error())
	} else {
		defer trace.Close()
	}

	app, err := sqlgrid.New(cfg)
	if err != nil {
		level.Error(util_log.Logger).Log("msg", "error initialising SQLGrid", "err", err)
		os.Exit(1)
	}

	level.Info(util_log.Logger).Log("msg", "Starting SQLGrid", "version", version.Info())

	if err := app.Run(); err != nil {
		level.Error(util_log.Logger).Log("msg", "error running SQLGrid", "err", err)
		os.Exit(1)
	}
}

// Parse -config.file option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter(args []string) string {
	var configFile = ""

	// ignore errors and any output here. Any flag errors will be reported by main flag.Parse() call.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "") // usage not used in this function.

	// Try to find -config.file option in the flags. As Parsing stops on the first error, eg. unknown flag,
	// we simply try remaining parameters until we find config flag, or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	return configFile
}

// LoadConfig read YAML-formatted config from filename into cfg.
func LoadConfig(filename string, cfg *sqlgrid.Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading config file")
	}

	err = yaml.UnmarshalStrict(buf, cfg)
	if err != nil {
		return errors.Wrap(err, "Error parsing config file")
	}

	return nil
}

// DumpYaml prints the config to stdout.
func DumpYaml(cfg *sqlgrid.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	} else {
		fmt.Printf("%s\n", out)
	}
}
