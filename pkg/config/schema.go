package config

// configSchema constrains CUE configuration files. Durations are strings in
// Go duration syntax ("2s", "10m").
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | "0"

#Config: {
	store?: {
		driver?:            "sqlite" | "postgres" | "memory"
		path?:              string
		dsn?:               string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}
	bus?: {
		workers?:    int & >=1
		queue_size?: int & >=1
	}
	poller?: {
		interval?:             #Duration
		max_transient_errors?: int & >=0
		transient_timeout?:    #Duration
	}
	engine?: {
		type?: "simulated" | "http" | "ssh"
		simulated?: {
			pending_polls?: int & >=0
			running_polls?: int & >=0
			fail_message?:  string
		}
		http?: {
			base_url?: string
			timeout?:  #Duration
			...
		}
		ssh?: {
			host?:               string
			port?:               int & >0 & <=65535
			auth_method?:        "password" | "key"
			connection_timeout?: #Duration
			command_timeout?:    #Duration
			...
		}
	}
	runtimes?: {
		dbt_image?:    string
		kaniko_image?: string
		registry?:     string
	}
	policy?: {
		paths?: [...string]
		watch?: bool
	}
	telemetry?: {...}
}
`
