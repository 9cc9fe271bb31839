package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// loadConfigFile fills in flags from a YAML config file. Flags given on
// the command line win; file values only apply to flags left at their
// defaults, so `sacard --config sacard.yaml --listen :4000` behaves as
// expected.
func loadConfigFile(fs *pflag.FlagSet, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "binding config to flags")
	}

	var applyErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if applyErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, v.GetString(f.Name)); err != nil {
			applyErr = errors.Wrapf(err, "applying config value for %q", f.Name)
		}
	})
	return applyErr
}
