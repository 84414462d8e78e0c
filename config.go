package x402pay

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/agentpay/x402pay/types"
)

// ChainConfig is one network's wiring in a config file.
type ChainConfig struct {
	RPCURL string `json:"rpcUrl" validate:"required,url"`
	// Token is the funding asset contract used for balance reads.
	Token string `json:"token" validate:"required,eth_addr"`
}

// FileConfig is the JSON on-disk configuration for the engine.
type FileConfig struct {
	PrivateKey     string                 `json:"privateKey" validate:"required"`
	DatabasePath   string                 `json:"databasePath" validate:"required"`
	DefaultNetwork types.Network          `json:"defaultNetwork,omitempty"`
	LogLevel       string                 `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Chains         map[string]ChainConfig `json:"chains" validate:"required,min=1,dive"`
}

var validate = validator.New()

// LoadConfig parses and validates a JSON config file. Networks named in
// Chains must be part of the supported registry.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to read config: %v", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to parse config: %v", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config validation failed: %v", err)
	}

	for name := range cfg.Chains {
		if !types.Network(name).IsSupported() {
			return nil, types.NewError(types.ErrUnsupportedNetwork,
				"unsupported network in config: %s (supported: %v)", name, types.SupportedNetworks())
		}
	}
	if cfg.DefaultNetwork != "" && !cfg.DefaultNetwork.IsSupported() {
		return nil, types.NewError(types.ErrUnsupportedNetwork, "unsupported default network: %s", cfg.DefaultNetwork)
	}

	return &cfg, nil
}
