package config

// DaemonConfig is the top-level config file shape consumed by cmd/supervisord
// (spec §4.14): where to bind the control socket and which apps to bring up
// at boot. Schema validation beyond JSON decoding is an external collaborator
// (spec §1), same as AppConfig.
type DaemonConfig struct {
	SocketPath string      `json:"socketPath"`
	LogLevel   string      `json:"logLevel,omitempty"`
	Apps       []AppConfig `json:"apps"`
}

// WithDefaults fills in the daemon-level defaults and applies AppConfig's
// own defaults to every listed app.
func (d DaemonConfig) WithDefaults() DaemonConfig {
	if d.SocketPath == "" {
		d.SocketPath = "/tmp/supervisord.sock"
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	for i := range d.Apps {
		d.Apps[i] = d.Apps[i].WithDefaults()
	}
	return d
}
