package config

import "errors"

// ErrInvalid is the sentinel for every configuration problem surfaced by
// Load or Resolve, matching §7's "ConfigInvalid — surfaced only at
// startup". Wrapped with %w at each call site.
var ErrInvalid = errors.New("config: invalid configuration")
