package config

const (
	DefaultBindAddress = "127.0.0.1"
	DefaultOutputDir   = "."
	DefaultFormat      = "har"
	DefaultLogLevel    = "info"
	DefaultEchoRate    = 50
	DefaultMaxBodySize = 16 << 20
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:             0, // ephemeral
		BindAddress:      DefaultBindAddress,
		OutputDir:        DefaultOutputDir,
		Format:           DefaultFormat,
		Proxy:            "",
		Bypass:           nil,
		Anonymize:        BoolPtr(true),
		Echo:             BoolPtr(true),
		EchoRate:         DefaultEchoRate,
		NoColor:          BoolPtr(false),
		LogLevel:         DefaultLogLevel,
		MaxBodySize:      DefaultMaxBodySize,
		InsecureUpstream: BoolPtr(false),
	}
}

// IsDefault returns true if the config matches defaults
func (c *Config) IsDefault() bool {
	defaults := DefaultConfig()
	return c.Port == defaults.Port &&
		c.BindAddress == defaults.BindAddress &&
		c.OutputDir == defaults.OutputDir &&
		c.Format == defaults.Format &&
		c.Proxy == defaults.Proxy &&
		len(c.Bypass) == 0 &&
		c.GetAnonymize() == defaults.GetAnonymize() &&
		len(c.RedactHeaders) == 0 &&
		c.GetEcho() == defaults.GetEcho() &&
		c.EchoRate == defaults.EchoRate &&
		c.GetNoColor() == defaults.GetNoColor() &&
		c.Keystore == defaults.Keystore &&
		c.LogLevel == defaults.LogLevel &&
		c.LogFile == defaults.LogFile &&
		c.MaxBodySize == defaults.MaxBodySize &&
		c.GetInsecureUpstream() == defaults.GetInsecureUpstream()
}
