// Package config provides loading and environment overlay for changeflo
// runtime configuration, backed by viper. It exposes a Default() baseline
// that files and CHANGEFLO_* variables override.
//
// Example:
//
//	cfg, err := config.Load("/etc/changeflo.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
