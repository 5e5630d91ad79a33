package config

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Server        ServerConfig         `yaml:"server"                  json:"server"`
	Controller    ControllerConfig     `yaml:"controller"              json:"controller"`
	Targets       TargetsConfig        `yaml:"targets"                 json:"targets"`
	Notifications *NotificationsConfig `yaml:"notifications,omitempty" json:"notifications,omitempty"`
	History       HistoryConfig        `yaml:"history"                 json:"history"`
}

// ServerConfig controls the Interception Endpoint's HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" json:"port"`
}

// ControllerConfig controls the activity-detection state machine timing.
// Both fields are safe to hot-reload: a change takes effect on the next
// tick or the next notification, whichever comes first.
type ControllerConfig struct {
	// SleepinessDurationSeconds is the idle threshold (the "sleepiness
	// duration") after which a sustained NoActivity regime ripens into a
	// Sleep action.
	SleepinessDurationSeconds int `yaml:"sleepiness_duration" json:"sleepinessDuration"`
	// RefreshIntervalSeconds is the Scheduler's tick period.
	RefreshIntervalSeconds int `yaml:"refresh_interval" json:"refreshInterval"`
}

// TargetsConfig narrows which namespaces the Resource Adapter considers.
// This is additive to the mandatory exclusions (the kube-system namespace,
// the controller's own Deployment, the cluster API service) — it can only
// shrink the target set
// further, never grow it past what those exclusions already remove.
type TargetsConfig struct {
	IncludeNamespaces []string `yaml:"includeNamespaces,omitempty" json:"includeNamespaces,omitempty"`
	ExcludeNamespaces []string `yaml:"excludeNamespaces,omitempty" json:"excludeNamespaces,omitempty"`
}

// NotificationsConfig configures webhook delivery on Sleep/Wake transitions.
// A nil or empty Notifications section means no adapters fire — it is a
// complete no-op, not a required section.
type NotificationsConfig struct {
	Adapters []AdapterConfig `yaml:"adapters" json:"adapters"`
}

// AdapterConfig defines a single notification delivery adapter.
type AdapterConfig struct {
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url"  json:"url"`
}

// HistoryConfig controls the durable Sleep/Wake transition log.
type HistoryConfig struct {
	Path          string `yaml:"path"          json:"path"`
	RetentionDays int    `yaml:"retentionDays" json:"retentionDays"`
}

// Defaults returns the configuration defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Controller: ControllerConfig{
			SleepinessDurationSeconds: 15,
			RefreshIntervalSeconds:    5,
		},
		History: HistoryConfig{
			Path:          "kubesleeper-history.jsonl",
			RetentionDays: 30,
		},
	}
}
