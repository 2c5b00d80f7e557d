// Package config loads Ice runtime configuration. Default() gives the
// baseline, Load overlays a JSON or YAML file and FromEnv overlays ICE_*
// environment variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/ice.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
package config
