package logger

// Config logger settings
type Config struct {
	Level        string `json:"level"`  // debug, info, warn, error (default: info)
	Format       string `json:"format"` // text (default) or json
	ReportCaller bool   `json:"report_caller"`
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format != "json" {
		c.Format = "text"
	}
}
