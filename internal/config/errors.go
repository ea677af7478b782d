package config

import "errors"

// ErrConfig is the sentinel spec §7 calls ConfigError: an invalid
// policy value, missing datastore, or unknown change-detection mode.
var ErrConfig = errors.New("config: invalid configuration")
