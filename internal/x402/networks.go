package x402

import (
	"os"

	"gopkg.in/yaml.v3"

	"permabundle/internal/errs"
)

// Network describes one chain payments are accepted on: the USDC contract
// and the EIP-712 domain its TransferWithAuthorization uses.
type Network struct {
	Name          string `yaml:"name"`
	ChainID       int64  `yaml:"chainId"`
	USDCAddress   string `yaml:"usdcAddress"`
	DomainName    string `yaml:"domainName"`
	DomainVersion string `yaml:"domainVersion"`
}

// Catalog maps network names to their parameters.
type Catalog map[string]Network

// DefaultCatalog covers the networks supported out of the box.
func DefaultCatalog() Catalog {
	return Catalog{
		"base-mainnet": {
			Name:          "base-mainnet",
			ChainID:       8453,
			USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			DomainName:    "USD Coin",
			DomainVersion: "2",
		},
		"base-sepolia": {
			Name:          "base-sepolia",
			ChainID:       84532,
			USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			DomainName:    "USDC",
			DomainVersion: "2",
		},
		"ethereum-mainnet": {
			Name:          "ethereum-mainnet",
			ChainID:       1,
			USDCAddress:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			DomainName:    "USD Coin",
			DomainVersion: "2",
		},
		"polygon-mainnet": {
			Name:          "polygon-mainnet",
			ChainID:       137,
			USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			DomainName:    "USD Coin",
			DomainVersion: "2",
		},
	}
}

// LoadCatalog reads network overrides from a YAML file and merges them over
// the defaults. An empty path returns the defaults unchanged.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "read network catalog", err)
	}
	var overrides struct {
		Networks []Network `yaml:"networks"`
	}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "parse network catalog", err)
	}
	for _, n := range overrides.Networks {
		if n.Name == "" {
			return nil, errs.New(errs.KindInternal, "network catalog entry missing name")
		}
		catalog[n.Name] = n
	}
	return catalog, nil
}

// Enabled filters the catalog to the configured network names.
func (c Catalog) Enabled(names []string) (Catalog, error) {
	out := make(Catalog, len(names))
	for _, name := range names {
		n, ok := c[name]
		if !ok {
			return nil, errs.Newf(errs.KindInternal, "enabled network %q not in catalog", name)
		}
		out[name] = n
	}
	return out, nil
}
