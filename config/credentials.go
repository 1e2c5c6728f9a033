package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// CredentialFile is a standalone list of credentials, kept out of the main
// config so secrets can be mounted separately.
type CredentialFile struct {
	Credentials []CredentialEntry `yaml:"credentials"`
}

// LoadCredentials reads a credential file from path.
func LoadCredentials(path string) (*CredentialFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var file CredentialFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	for i, c := range file.Credentials {
		if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
			return nil, fmt.Errorf("credentials[%d].local_ip '%s' is not an ip address", i, c.LocalIP)
		}
	}
	return &file, nil
}

// MergeCredentials appends entries whose names are not yet configured.
func (c *Config) MergeCredentials(file *CredentialFile) {
	if file == nil {
		return
	}
	existing := make(map[string]struct{}, len(c.Credentials))
	for _, e := range c.Credentials {
		existing[e.Name] = struct{}{}
	}
	for _, e := range file.Credentials {
		if _, ok := existing[e.Name]; ok {
			continue
		}
		c.Credentials = append(c.Credentials, e)
	}
}
