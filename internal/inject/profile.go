package inject

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Profile holds every selector and marker the heuristics use. WhatsApp Web
// changes its markup without notice, so none of this is compiled in stone.
type Profile struct {
	Composer     []string `yaml:"composer"`
	SearchHints  []string `yaml:"searchHints"`
	SearchTabs   []string `yaml:"searchTabs"`
	SendButtons  []string `yaml:"sendButtons"`
	AttachIcons  []string `yaml:"attachIcons"`
	AttachLabels []string `yaml:"attachLabels"`
	EmojiMarkers []string `yaml:"emojiMarkers"`
	Indicators   []string `yaml:"indicators"`
}

// DefaultProfile returns a fresh copy of the embedded profile.
func DefaultProfile() *Profile {
	p, err := parseProfile(defaultProfileYAML, &Profile{})
	if err != nil {
		panic(fmt.Sprintf("embedded selector profile: %v", err))
	}
	return p
}

// LoadProfile overlays the YAML file at path onto the default profile.
// Lists present in the file replace the defaults; absent lists are kept.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selector profile %s: %w", path, err)
	}
	p, err := parseProfile(data, DefaultProfile())
	if err != nil {
		return nil, fmt.Errorf("parse selector profile %s: %w", path, err)
	}
	return p, nil
}

func parseProfile(data []byte, base *Profile) (*Profile, error) {
	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, err
	}
	if len(base.Composer) == 0 {
		return nil, fmt.Errorf("composer selector list is empty")
	}
	return base, nil
}
