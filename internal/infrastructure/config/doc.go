// Package config loads and validates bridge configuration.
//
// Configuration comes from a YAML file with environment-variable
// overrides, is validated once at startup, and is immutable afterwards.
// Secrets (broker passwords, InfluxDB tokens) belong in environment
// variables, not the file, and the file itself should be 0600.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.ID)
package config
