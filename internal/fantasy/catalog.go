package fantasy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type NamedOption struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name" json:"name"`
}

type catalogFile struct {
	Races   []NamedOption `yaml:"races"`
	Regions []NamedOption `yaml:"regions"`
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	races   []NamedOption
	regions []NamedOption
)

func init() {
	var f catalogFile
	if err := yaml.Unmarshal(catalogYAML, &f); err != nil {
		panic(fmt.Sprintf("fantasy: decode catalog: %v", err))
	}
	races = f.Races
	regions = f.Regions
}

// Races returns the selectable races in display order.
func Races() []NamedOption {
	return append([]NamedOption(nil), races...)
}

// Regions returns the selectable Forgotten Realms locations in display order.
func Regions() []NamedOption {
	return append([]NamedOption(nil), regions...)
}

// LookupRace matches either the key or the display name, ignoring case.
func LookupRace(value string) (NamedOption, bool) {
	return lookup(races, value)
}

func LookupRegion(value string) (NamedOption, bool) {
	return lookup(regions, value)
}

// RaceName returns the display name for key, or key itself when it is not in the catalog.
func RaceName(key string) string {
	if opt, ok := LookupRace(key); ok {
		return opt.Name
	}
	return key
}

func RegionName(key string) string {
	if opt, ok := LookupRegion(key); ok {
		return opt.Name
	}
	return key
}

func lookup(options []NamedOption, value string) (NamedOption, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return NamedOption{}, false
	}
	for _, opt := range options {
		if strings.EqualFold(opt.Key, value) || strings.EqualFold(opt.Name, value) {
			return opt, true
		}
	}
	return NamedOption{}, false
}
