package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "IOBENCH"

// applyEnv fills every flag not set on the command line from its
// IOBENCH_ environment variable, e.g. --metrics-file from
// IOBENCH_METRICS_FILE. Command-line values take priority.
func applyEnv(flags *pflag.FlagSet) error {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		if !v.IsSet(f.Name) {
			return
		}
		flagErr = f.Value.Set(v.GetString(f.Name))
	})
	return flagErr
}
