package settings

import (
	"time"

	"minerwatt/internal/pricing"
)

// Device is one configured miner. Address may omit the port; the device
// protocol default applies.
type Device struct {
	Address      string `json:"address"`
	Name         string `json:"name,omitempty"`
	Profile      string `json:"profile,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	Enabled      bool   `json:"enabled"`
}

type Poll struct {
	Interval   time.Duration `json:"interval"`
	CmdTimeout time.Duration `json:"cmd_timeout"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`

	NATSURL    string `json:"nats_url"`
	NATSPrefix string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	Poll    Poll     `json:"poll"`
	Devices []Device `json:"devices"`

	// Price zone for the hourly spot curve (NO1..NO5).
	PriceZone string `json:"price_zone"`

	Pricing pricing.Config `json:"pricing"`

	// Fallback W/TH figure for devices that report no power field.
	WattsPerTH float64 `json:"watts_per_th"`

	// Encrypted GraphQL credentials (secrets encrypted with data/secret.key)
	Credentials []Credential `json:"credentials,omitempty"`
}

type Credential struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Note    string `json:"note,omitempty"`

	UsernameEnc string `json:"username_enc,omitempty"`
	PasswordEnc string `json:"password_enc,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":8080",

		NATSURL:    "nats://127.0.0.1:14222",
		NATSPrefix: "minerwatt",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		Poll: Poll{
			Interval:   30 * time.Second,
			CmdTimeout: 10 * time.Second,
		},
		Devices: nil,

		PriceZone: "NO1",
		Pricing:   pricing.Defaults(),

		WattsPerTH: 32.5,

		Credentials: nil,
	}
}
