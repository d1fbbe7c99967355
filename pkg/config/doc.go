// Package config loads and watches the runplane service configuration.
//
// A configuration file is YAML, or CUE when its name ends in .cue. CUE files
// are unified with a closed schema before they are exported, so unknown keys
// and out-of-range values are reported with file positions:
//
//	store: {
//	    driver: "postgres"
//	    dsn:    "postgres://runplane@db/runplane"
//	}
//	engine: {
//	    type: "http"
//	    http: base_url: "https://engine.internal"
//	}
//	poller: interval: "5s"
//
// Keys a file leaves out keep the values from Default. After decoding, the
// result is checked with validator struct tags; only the engine section
// selected by engine.type is validated.
//
// Watcher reloads the file on change and passes each configuration that
// validates to a callback. The serve command uses it to change the log level
// and the policy paths without a restart.
package config
