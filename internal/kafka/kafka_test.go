package kafka

import (
	"testing"

	kafkago "github.com/segmentio/kafka-go"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "no brokers", modify: func(c *Config) { c.Brokers = nil }, wantErr: true},
		{name: "no signal topic", modify: func(c *Config) { c.SignalTopic = "" }, wantErr: true},
		{name: "no incident topic", modify: func(c *Config) { c.IncidentTopic = "" }, wantErr: true},
		{name: "no consumer group", modify: func(c *Config) { c.ConsumerGroup = "" }, wantErr: true},
		{name: "bad security protocol", modify: func(c *Config) { c.SecurityProtocol = "CARRIER_PIGEON" }, wantErr: true},
		{
			name: "sasl without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
			},
			wantErr: true,
		},
		{
			name: "sasl complete",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "svc"
				c.SASLPassword = "secret"
			},
		},
		{
			name: "sasl bad mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "OAUTHBEARER"
				c.SASLUsername = "svc"
				c.SASLPassword = "secret"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetCompression(t *testing.T) {
	tests := []struct {
		name string
		want kafkago.Compression
	}{
		{"gzip", kafkago.Gzip},
		{"snappy", kafkago.Snappy},
		{"lz4", kafkago.Lz4},
		{"zstd", kafkago.Zstd},
		{"none", 0},
		{"", 0},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.CompressionType = tt.name
		if got := cfg.GetCompression(); got != tt.want {
			t.Errorf("GetCompression(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConfig_GetDialer(t *testing.T) {
	cfg := DefaultConfig()
	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer: %v", err)
	}
	if dialer.TLS != nil {
		t.Error("plaintext config should not carry TLS")
	}
	if dialer.SASLMechanism != nil {
		t.Error("plaintext config should not carry SASL")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "svc"
	cfg.SASLPassword = "secret"
	dialer, err = cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer with SASL_SSL: %v", err)
	}
	if dialer.TLS == nil {
		t.Error("SASL_SSL config should carry TLS")
	}
	if dialer.SASLMechanism == nil {
		t.Error("SASL_SSL config should carry SASL")
	}
}
