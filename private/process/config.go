// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

// DefaultConfFilename is the name of the config file inside the config
// directory.
const DefaultConfFilename = "config.yaml"

// applyConfig overlays the config file and environment variables onto every
// flag the user did not set explicitly.
func applyConfig(cmd *cobra.Command) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}
	vip.SetEnvPrefix("drove")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if confDir := flagValue(cmd, "config-dir"); confDir != "" {
		path := filepath.Join(confDir, DefaultConfFilename)
		if _, err := os.Stat(path); err == nil {
			vip.SetConfigFile(path)
			if err := vip.ReadInConfig(); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !vip.IsSet(f.Name) {
			return
		}
		value := fmt.Sprintf("%v", vip.Get(f.Name))
		if setErr := cmd.Flags().Set(f.Name, value); setErr != nil {
			err = Error.New("invalid value for %s: %v", f.Name, setErr)
		}
	})
	return err
}

func flagValue(cmd *cobra.Command, name string) string {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		return ""
	}
	return flag.Value.String()
}

// SaveConfig writes the full flag set as a commented YAML config file.
// Values in overrides take precedence over the current flag values.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	flags := cmd.Flags()

	var names []string
	flags.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "config-dir", "help":
			return
		}
		if f.Hidden {
			return
		}
		names = append(names, f.Name)
	})
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		f := flags.Lookup(name)

		var value interface{} = f.Value.String()
		if override, ok := overrides[name]; ok {
			value = override
		}

		encoded, err := yaml.Marshal(map[string]interface{}{name: value})
		if err != nil {
			return Error.Wrap(err)
		}

		if f.Usage != "" {
			b.WriteString("# ")
			b.WriteString(f.Usage)
			b.WriteString("\n")
		}
		b.Write(encoded)
		b.WriteString("\n")
	}

	return Error.Wrap(os.WriteFile(outfile, []byte(b.String()), 0o600))
}
