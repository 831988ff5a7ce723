// Package flags provides support for hop-httptunnel CLI args
package flags

import (
	"errors"
	"fmt"

	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// ErrExcessArgs is returned when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")

// Flags holds CLI args for hop-httptunnel. Anything set here wins over the
// config file.
type Flags struct {
	ConfigPath string

	LogLevel string
	// LogFile sends logs to a rotated file instead of stderr.
	LogFile string

	// Admin overrides global.admin. "off" disables the endpoint.
	Admin string

	// PromptPassword asks on the terminal for the password of every client
	// tunnel that enables proxy authorization without one.
	PromptPassword bool
}

// Parse defines and parses the flags. args excludes the program name.
func Parse(args []string) (*Flags, error) {
	f := &Flags{}
	fs := pflag.NewFlagSet("hop-httptunnel", pflag.ContinueOnError)
	fs.SortFlags = false
	define(fs, f)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, ErrExcessArgs
	}
	if _, err := logrus.ParseLevel(f.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return f, nil
}

func define(fs *pflag.FlagSet, f *Flags) {
	fs.StringVarP(&f.ConfigPath, "config", "C", common.DefaultConfigFile, "path to the tunnel config file")
	fs.StringVar(&f.LogLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	fs.StringVar(&f.LogFile, "log-file", "", "write logs to this file, rotating it by size. Empty logs to stderr.")
	fs.StringVar(&f.Admin, "admin", "", "status endpoint address, or \"off\". Empty keeps the config value.")
	fs.BoolVar(&f.PromptPassword, "prompt-password", false, "prompt for proxy authorization passwords missing from the config")
}

// Level returns the parsed log level.
func (f *Flags) Level() logrus.Level {
	l, err := logrus.ParseLevel(f.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// LoadConfig follows the config path and merges the flags into it.
func (f *Flags) LoadConfig() (*config.Config, error) {
	c, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if f.Admin != "" {
		c.Global.Admin = f.Admin
	}
	return c, nil
}
