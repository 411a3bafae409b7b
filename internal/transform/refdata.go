package transform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"orderbridge/internal/model"
)

// KitCatalog maps parent SKU to its kit definition. External reference data,
// read-only to the transformer.
type KitCatalog map[string]model.KitDefinition

// ChannelRules maps channel name to the operating-unit prefix used for
// channel attribution: operating unit = prefix + store id.
type ChannelRules map[string]string

type kitFile struct {
	Kits []model.KitDefinition `yaml:"kits"`
}

type channelFile struct {
	Channels []struct {
		Channel             string `yaml:"channel"`
		OperatingUnitPrefix string `yaml:"operating_unit_prefix"`
	} `yaml:"channels"`
}

// LoadKitCatalog reads a kit definition file. A missing path yields an empty
// catalog: kit expansion is simply a no-op then.
func LoadKitCatalog(path string) (KitCatalog, error) {
	if path == "" {
		return KitCatalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kit catalog: %w", err)
	}
	var f kitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse kit catalog: %w", err)
	}
	cat := make(KitCatalog, len(f.Kits))
	for _, k := range f.Kits {
		if k.ParentSKU == "" || len(k.ComponentSKUs) == 0 {
			return nil, fmt.Errorf("kit catalog: parent %q needs a sku and components", k.ParentSKU)
		}
		cat[k.ParentSKU] = k
	}
	return cat, nil
}

func LoadChannelRules(path string) (ChannelRules, error) {
	if path == "" {
		return ChannelRules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel rules: %w", err)
	}
	var f channelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channel rules: %w", err)
	}
	rules := make(ChannelRules, len(f.Channels))
	for _, c := range f.Channels {
		if c.Channel == "" || c.OperatingUnitPrefix == "" {
			return nil, fmt.Errorf("channel rules: channel %q needs a prefix", c.Channel)
		}
		rules[c.Channel] = c.OperatingUnitPrefix
	}
	return rules, nil
}
