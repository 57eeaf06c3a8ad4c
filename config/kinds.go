package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind is one persisted section of the configuration. The set of kinds is
// closed: only types in this package implement it.
type Kind interface {
	KindName() string
	isKind()
}

// TransferKind holds the knobs of the transfer engines.
type TransferKind struct {
	ParallelDownloads  int           `yaml:"parallel_downloads"`
	ParallelUploads    int           `yaml:"parallel_uploads"`
	DownloadSpeedLimit int64         `yaml:"download_speed_limit"`
	UploadMunging      string        `yaml:"upload_munging"`
	VerifyWindow       time.Duration `yaml:"verify_window"`
	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
}

// ServerKind holds where the relay and hub live.
type ServerKind struct {
	NodeID    string `yaml:"node_id"`
	ServerURL string `yaml:"server_url"`
	HubURL    string `yaml:"hub_url"`
}

func (TransferKind) KindName() string { return "transfer" }
func (ServerKind) KindName() string   { return "server" }
func (TransferKind) isKind()          {}
func (ServerKind) isKind()            {}

// Kinds splits c into its persisted sections.
func (c AppConfig) Kinds() []Kind {
	return []Kind{
		TransferKind{
			ParallelDownloads:  c.ParallelDownloads,
			ParallelUploads:    c.ParallelUploads,
			DownloadSpeedLimit: c.DownloadSpeedLimit,
			UploadMunging:      c.UploadMunging,
			VerifyWindow:       c.VerifyWindow,
			ReadyTimeout:       c.ReadyTimeout,
		},
		ServerKind{
			NodeID:    c.NodeID,
			ServerURL: c.ServerURL,
			HubURL:    c.HubURL,
		},
	}
}

// Apply copies the section k into c.
func (c *AppConfig) Apply(k Kind) {
	switch k := k.(type) {
	case TransferKind:
		c.ParallelDownloads = k.ParallelDownloads
		c.ParallelUploads = k.ParallelUploads
		c.DownloadSpeedLimit = k.DownloadSpeedLimit
		c.UploadMunging = k.UploadMunging
		c.VerifyWindow = k.VerifyWindow
		c.ReadyTimeout = k.ReadyTimeout
	case ServerKind:
		c.NodeID = k.NodeID
		c.ServerURL = k.ServerURL
		c.HubURL = k.HubURL
	}
}

// Encode serializes a section to YAML.
func Encode(k Kind) ([]byte, error) {
	switch k := k.(type) {
	case TransferKind:
		return yaml.Marshal(k)
	case ServerKind:
		return yaml.Marshal(k)
	default:
		return nil, fmt.Errorf("unknown config kind %T", k)
	}
}

// Decode parses a section previously written by Encode.
func Decode(name string, data []byte) (Kind, error) {
	switch name {
	case TransferKind{}.KindName():
		var k TransferKind
		if err := yaml.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", name, err)
		}
		return k, nil
	case ServerKind{}.KindName():
		var k ServerKind
		if err := yaml.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", name, err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unknown config kind %q", name)
	}
}
