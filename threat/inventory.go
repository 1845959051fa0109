package threat

import (
	"context"
	"fmt"
	"os"
	"strings"

	"warden/core"

	"gopkg.in/yaml.v3"
)

// Asset is one entry of the asset inventory file
type Asset struct {
	Host        string   `yaml:"host"`
	IPs         []string `yaml:"ips"`
	Users       []string `yaml:"users"`
	Owner       string   `yaml:"owner"`
	Criticality string   `yaml:"criticality"`
	Tags        []string `yaml:"tags"`
}

// AssetInventory answers lookups for hosts, IPs and users from a static YAML inventory
type AssetInventory struct {
	byKey map[string]*Asset
}

// LoadAssetInventory reads an inventory file of the form "assets: [...]"
func LoadAssetInventory(path string) (*AssetInventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset inventory: %w", err)
	}
	return ParseAssetInventory(data)
}

// ParseAssetInventory builds an inventory from YAML
func ParseAssetInventory(data []byte) (*AssetInventory, error) {
	var doc struct {
		Assets []Asset `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse asset inventory: %w", err)
	}

	inv := &AssetInventory{byKey: make(map[string]*Asset)}
	for i := range doc.Assets {
		a := &doc.Assets[i]
		if a.Host == "" {
			return nil, fmt.Errorf("asset %d: host is required", i)
		}
		host, err := core.NewIndicator(core.IndicatorHost, a.Host)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		a.Host = host.Value
		inv.byKey[host.Key()] = a
		for _, ip := range a.IPs {
			if err := inv.index(core.IndicatorIP, ip, a); err != nil {
				return nil, err
			}
		}
		for _, u := range a.Users {
			if err := inv.index(core.IndicatorUser, u, a); err != nil {
				return nil, err
			}
		}
	}
	return inv, nil
}

func (inv *AssetInventory) index(kind core.IndicatorKind, value string, a *Asset) error {
	ind, err := core.NewIndicator(kind, value)
	if err != nil {
		return fmt.Errorf("asset %s: %w", a.Host, err)
	}
	inv.byKey[ind.Key()] = a
	return nil
}

// Name returns the provider name
func (inv *AssetInventory) Name() string {
	return "inventory"
}

// Len returns the number of indexed indicators
func (inv *AssetInventory) Len() int {
	return len(inv.byKey)
}

// Lookup returns ownership context for a known asset
func (inv *AssetInventory) Lookup(_ context.Context, ind core.Indicator) (*Intel, error) {
	a, ok := inv.byKey[ind.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	ctx := map[string]string{"asset": a.Host}
	if a.Owner != "" {
		ctx["owner"] = a.Owner
	}
	if a.Criticality != "" {
		ctx["criticality"] = a.Criticality
	}
	if len(a.Tags) > 0 {
		ctx["tags"] = strings.Join(a.Tags, ",")
	}
	return &Intel{Indicator: ind, Source: inv.Name(), Context: ctx}, nil
}
