package server

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// VersionPolicy controls how the server reacts to a client HELLO whose
// version range doesn't include ProtocolVersion.Current (spec.md §4.8).
type VersionPolicy string

const (
	// VersionPolicyStrict rejects any client that cannot negotiate
	// exactly ProtocolVersion.Current.
	VersionPolicyStrict VersionPolicy = "strict"
	// VersionPolicyCompatible accepts the lower of the two sides' Current
	// versions, clamped into the overlap of the [Min,Max] ranges, per
	// proto.negotiateVersion.
	VersionPolicyCompatible VersionPolicy = "compatible"
	// VersionPolicyPermissive accepts any client, even one whose [Min,Max]
	// range does not overlap the server's at all; with no overlap the
	// client's declared Current is used (spec.md §4.8).
	VersionPolicyPermissive VersionPolicy = "permissive"
)

// EncryptionRequirement controls whether a connection must negotiate TLS
// before HELLO, per spec.md §4.8.
type EncryptionRequirement string

const (
	// EncryptionOff never attempts TLS.
	EncryptionOff EncryptionRequirement = "off"
	// EncryptionOptional attempts TLS if the client offers it, accepts
	// plaintext otherwise.
	EncryptionOptional EncryptionRequirement = "optional"
	// EncryptionPreferred attempts TLS if the client offers it and logs a
	// warning when it falls back to plaintext.
	EncryptionPreferred EncryptionRequirement = "preferred"
	// EncryptionRequired refuses any connection that doesn't negotiate
	// TLS.
	EncryptionRequired EncryptionRequirement = "required"
)

// ProtocolVersionRange names the three version knobs spec.md §4.8 lists
// together.
type ProtocolVersionRange struct {
	Current uint16 `yaml:"current"`
	Min     uint16 `yaml:"min"`
	Max     uint16 `yaml:"max"`
}

// Config is the full set of server construction knobs from spec.md §4.8,
// loadable from a YAML file the way moby-moby and rockstar-0000-aistore
// both load their daemon/node config.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	MaxConnections          int `yaml:"max_connections"`
	MaxConnectionsPerClient int `yaml:"max_connections_per_client"`

	SharedMemorySize    int  `yaml:"shared_memory_size"`
	DisableSharedMemory bool `yaml:"disable_shared_memory"`
	DisableMemfd        bool `yaml:"disable_memfd"`

	MaxMessageSize uint32 `yaml:"max_message_size"`

	ProtocolVersion ProtocolVersionRange `yaml:"protocol_version"`
	VersionPolicy   VersionPolicy        `yaml:"version_policy"`

	Encryption EncryptionRequirement `yaml:"encryption"`
	CertFile   string                `yaml:"cert_file"`
	KeyFile    string                `yaml:"key_file"`

	ClientTimeoutMs int `yaml:"client_timeout_ms"`
	ExitIdleTimeMs  int `yaml:"exit_idle_time_ms"`

	HighPriority   bool `yaml:"high_priority"`
	NiceLevel      int  `yaml:"nice_level"`
	EnableIOThread bool `yaml:"enable_io_thread"`
}

// DefaultConfig returns the knob values spec.md §4.8 implies as sane
// out-of-the-box behavior.
func DefaultConfig() Config {
	return Config{
		ListenAddress:           "tcp://127.0.0.1:8420",
		MaxConnections:          1024,
		MaxConnectionsPerClient: 0,
		SharedMemorySize:        64 * 1024 * 64,
		ProtocolVersion:         ProtocolVersionRange{Current: 1, Min: 1, Max: 1},
		VersionPolicy:           VersionPolicyCompatible,
		Encryption:              EncryptionOptional,
		MaxMessageSize:          64 << 20,
		ClientTimeoutMs:         30_000,
		ExitIdleTimeMs:          0,
		EnableIOThread:          true,
	}
}

// LoadConfig reads and parses a YAML config file, starting from
// DefaultConfig so a partial file only overrides what it sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "server: reading config %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "server: parsing config %q", path)
	}
	return cfg, nil
}
