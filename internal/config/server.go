package config

import "fmt"

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	UploadDir   string `yaml:"upload_dir"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MaxUploadBytes returns the multipart memory/size cap in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
	if s.MaxUploadMB <= 0 {
		return 32 << 20
	}
	return s.MaxUploadMB << 20
}
