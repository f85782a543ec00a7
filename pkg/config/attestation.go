package config

// Attestation holds the verification engine settings: how often agents
// are polled, how long a single cycle may take, and how many consecutive
// communication failures are tolerated before an agent is failed.
type Attestation struct {
	PollInterval      int     `yaml:"poll-interval" json:"poll_interval" mapstructure:"poll-interval"`
	RequestTimeout    int     `yaml:"request-timeout" json:"request_timeout" mapstructure:"request-timeout"`
	MaxInFlight       int     `yaml:"max-in-flight" json:"max_in_flight" mapstructure:"max-in-flight"`
	FailureThreshold  int     `yaml:"failure-threshold" json:"failure_threshold" mapstructure:"failure-threshold"`
	BackoffFactor     float64 `yaml:"backoff-factor" json:"backoff_factor" mapstructure:"backoff-factor"`
	MaxBackoff        int     `yaml:"max-backoff" json:"max_backoff" mapstructure:"max-backoff"`
	QuotePCRs         []int32 `yaml:"quote-pcrs" json:"quote_pcrs" mapstructure:"quote-pcrs"`
	PolicyDir         string  `yaml:"policy-dir" json:"policy_dir" mapstructure:"policy-dir"`
	AgentScheme       string  `yaml:"agent-scheme" json:"agent_scheme" mapstructure:"agent-scheme"`
	AgentPort         int     `yaml:"agent-port" json:"agent_port" mapstructure:"agent-port"`
}

// Revocation holds the revocation dispatcher settings.
type Revocation struct {
	WebhookURL     string `yaml:"webhook-url" json:"webhook_url" mapstructure:"webhook-url"`
	MaxRetries     int    `yaml:"max-retries" json:"max_retries" mapstructure:"max-retries"`
	BackoffSeconds int    `yaml:"backoff-seconds" json:"backoff_seconds" mapstructure:"backoff-seconds"`
}

var DefaultAttestation = Attestation{
	PollInterval:     60,
	RequestTimeout:   30,
	MaxInFlight:      64,
	FailureThreshold: 3,
	BackoffFactor:    2.0,
	MaxBackoff:       600,
	QuotePCRs:        []int32{10},
	PolicyDir:        "policies",
	AgentScheme:      "http",
	AgentPort:        9002,
}

var DefaultRevocation = Revocation{
	MaxRetries:     5,
	BackoffSeconds: 2,
}
