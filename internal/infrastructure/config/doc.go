// Package config handles loading and validating the BACnet core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLOGIC_* environment variables
//   - Validation of required fields and BACnet policy limits
//   - Default value handling
//
// The request multiplexer policy (timeout, retries, backoff, per-device
// ceiling) and the polling defaults are configuration rather than constants:
//
//	requests:
//	  timeout_ms: 3000
//	  retries: 3
//	  backoff_base_ms: 250
//	  ceiling: 2
//	  unreachable_after: 1
//	polling:
//	  interval: 5
//	  cov_lifetime: 300
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, the JWT secret) should be set via
//     environment variables
//   - local_device.reinit_password_hash holds an Argon2id hash, never a
//     plaintext password
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.LocalDevice.Instance)
package config
