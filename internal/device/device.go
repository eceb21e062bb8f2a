// Package device describes the physical display this runtime is driving
// and loads that description from a YAML file on disk.
package device

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the descriptor's on-disk name, read relative to a device's
// state directory.
const FileName = "device.yaml"

// Location is an optional free-form install location, filled in by an
// installer or left zero-valued.
type Location struct {
	Name      string  `yaml:"name,omitempty" json:"name,omitempty"`
	Latitude  float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
}

// Profile describes the display hardware, sent verbatim in pairing and
// status requests so the backend can tailor playlists to the screen.
type Profile struct {
	Label       string   `yaml:"label" json:"label"`
	Width       int      `yaml:"width" json:"width"`
	Height      int      `yaml:"height" json:"height"`
	Orientation string   `yaml:"orientation" json:"orientation"`
	AspectRatio string   `yaml:"aspectRatio,omitempty" json:"aspectRatio,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Codecs      []string `yaml:"codecs,omitempty" json:"codecs,omitempty"`
	Location    Location `yaml:"location,omitempty" json:"location,omitempty"`
}

// Orientation values accepted in the descriptor and sent with the pairing
// request.
const (
	OrientationLandscape = "landscape"
	OrientationPortrait  = "portrait"
)

// Load reads and parses a device.yaml descriptor from dir. Callers treat a
// missing file as "no descriptor configured yet" and fall back to Default().
func Load(dir string) (*Profile, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device descriptor: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parsing device descriptor: %w", err)
	}

	if err := normalize(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Save writes profile to dir/device.yaml, creating the directory if needed.
func Save(dir string, profile *Profile) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating device descriptor directory: %w", err)
	}

	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encoding device descriptor: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing device descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing device descriptor: %w", err)
	}
	return nil
}

// Default returns a conservative 1080p landscape profile, used when no
// device.yaml has been installed yet.
func Default() *Profile {
	return &Profile{
		Label:       "unconfigured-display",
		Width:       1920,
		Height:      1080,
		Orientation: OrientationLandscape,
		AspectRatio: "16:9",
		Codecs:      []string{"h264"},
	}
}

func normalize(p *Profile) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("device descriptor: width and height must be positive, got %dx%d", p.Width, p.Height)
	}
	if p.Orientation == "" {
		if p.Width >= p.Height {
			p.Orientation = OrientationLandscape
		} else {
			p.Orientation = OrientationPortrait
		}
	}
	if p.Orientation != OrientationLandscape && p.Orientation != OrientationPortrait {
		return fmt.Errorf("device descriptor: unknown orientation %q", p.Orientation)
	}
	return nil
}
