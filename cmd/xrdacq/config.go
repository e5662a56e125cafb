package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

const (
	// ConfigFileName is what it sounds like
	ConfigFileName = "xrdacq.yml"

	// EnvPrefix marks environment overrides, XRDACQ_LOG_LEVEL=debug sets log.level
	EnvPrefix = "XRDACQ_"
)

type recorder struct {
	// Root is the root folder to write to
	Root string `koanf:"root" yaml:"root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

// config is the file layout.  Root is the URL prefix the HTTP routes are
// mounted under; Recorder.Root is the folder sequences are saved to.
type config struct {
	Addr            string         `koanf:"addr" yaml:"addr"`
	Root            string         `koanf:"root" yaml:"root"`
	Driver          string         `koanf:"driver" yaml:"driver"`
	Format          string         `koanf:"format" yaml:"format"`
	Frames          int            `koanf:"frames" yaml:"frames"`
	WaitInterval    time.Duration  `koanf:"waitinterval" yaml:"waitinterval"`
	TerminalTimeout time.Duration  `koanf:"terminaltimeout" yaml:"terminaltimeout"`
	ConnectTimeout  time.Duration  `koanf:"connecttimeout" yaml:"connecttimeout"`
	MaxBufferBytes  int64          `koanf:"maxbufferbytes" yaml:"maxbufferbytes"`
	Options         uint32         `koanf:"options" yaml:"options"`
	Selector        xisl.Selector  `koanf:"selector" yaml:"selector"`
	Expect          acq.Geometry   `koanf:"expect" yaml:"expect"`
	Mode            xisl.Mode      `koanf:"mode" yaml:"mode"`
	Recorder        recorder       `koanf:"recorder" yaml:"recorder"`
	Log             logger.Options `koanf:"log" yaml:"log"`
	Sim             xisl.SimConfig `koanf:"sim" yaml:"sim"`
}

// defaults are the vendor demo settings: free running, timing mode 6,
// gain 1, snap acquisition data
func defaults() config {
	ac := acq.DefaultConfig()
	return config{
		Addr:            ":8000",
		Root:            "/xrd",
		Driver:          "sim",
		Format:          "his",
		Frames:          10,
		WaitInterval:    ac.WaitInterval,
		TerminalTimeout: ac.TerminalTimeout,
		ConnectTimeout:  ac.ConnectTimeout,
		MaxBufferBytes:  ac.MaxBufferBytes,
		Options:         ac.Options,
		Selector:        ac.Selector,
		Mode:            xisl.Mode{SyncMode: xisl.SyncFreeRunning, Timing: 6, Gain: 1, AcqData: xisl.AcqSnap},
		Recorder:        recorder{Prefix: "xrd"},
		Log:             logger.Options{Enabled: true, Level: "info", Console: true},
		Sim:             xisl.DefaultSimConfig(),
	}
}

// flags registers the command line overrides.  Flag names are koanf keys.
func flags(set *pflag.FlagSet) {
	d := defaults()
	set.String("config", ConfigFileName, "configuration file")
	set.String("addr", d.Addr, "listen address for serve")
	set.String("driver", d.Driver, "detector driver, sim is the only one built in")
	set.String("format", d.Format, "output format, his or fits")
	set.Int("frames", d.Frames, "default frame count for serve")
	set.String("log.level", d.Log.Level, "log level: debug, info, warn or error")
	set.String("log.file", d.Log.File, "log to this file as JSON instead of the console")
	set.Bool("log.performance", d.Log.Performance, "log per-frame timing")
	set.String("recorder.root", d.Recorder.Root, "folder for saved sequences")
}

// load layers defaults, the config file, the environment and changed flags.
// A missing config file is not an error.
func load(set *pflag.FlagSet) (config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return config{}, err
	}

	fn := ConfigFileName
	if set != nil {
		if f := set.Lookup("config"); f != nil {
			fn = f.Value.String()
		}
	}
	if err := k.Load(file.Provider(fn), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("error loading config %s: %w", fn, err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return config{}, err
	}

	if set != nil {
		if err := k.Load(posflag.Provider(set, ".", k), nil); err != nil {
			return config{}, err
		}
	}

	var c config
	if err := k.Unmarshal("", &c); err != nil {
		return config{}, err
	}
	return c, c.validate()
}

func (c config) validate() error {
	if err := acq.ValidateFrameCount(c.Frames); err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	if c.WaitInterval <= 0 {
		return fmt.Errorf("waitinterval must be positive, got %v", c.WaitInterval)
	}
	if c.TerminalTimeout <= 0 {
		return fmt.Errorf("terminaltimeout must be positive, got %v", c.TerminalTimeout)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// orchestrator is the part of the config the acquisition core sees
func (c config) orchestrator() acq.Config {
	return acq.Config{
		Selector:        c.Selector,
		Expect:          c.Expect,
		WaitInterval:    c.WaitInterval,
		TerminalTimeout: c.TerminalTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		MaxBufferBytes:  c.MaxBufferBytes,
		Options:         c.Options,
		Performance:     c.Log.Performance,
	}
}

// library opens the configured driver and forwards the logging toggles to it
func (c config) library() (xisl.Library, error) {
	var lib xisl.Library
	switch strings.ToLower(c.Driver) {
	case "sim", "":
		lib = xisl.NewSim(c.Sim)
	default:
		return nil, fmt.Errorf("driver %q is not available in this build, use sim", c.Driver)
	}
	err := lib.SetLogging(xisl.LogOptions{
		Enabled:     c.Log.Enabled,
		File:        c.Log.File,
		Console:     c.Log.Console,
		Level:       c.Log.Level,
		Performance: c.Log.Performance,
	})
	return lib, err
}

func writeConf(w io.Writer, c config) error {
	return yml.NewEncoder(w).Encode(c)
}
