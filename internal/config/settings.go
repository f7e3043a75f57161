package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sessionmeta/internal/record"
)

// Default file name templates.
const (
	DefaultAcquisitionFileName = "AcquisitionDetails"
	DefaultImageFileName       = "ImageMetaData"
	DefaultWeatherFileName     = "WeatherMetaData"
	DefaultAutoFocusFileName   = "AutoFocusRuns-$$DATE$$"
)

// Settings is the per-event snapshot of the writer's options. It is a plain
// value: callers hand a copy to every event and own its lifecycle.
type Settings struct {
	Enabled          bool `json:"enabled" envconfig:"ENABLED"`
	CSVEnabled       bool `json:"csv_enabled" envconfig:"CSV"`
	JSONEnabled      bool `json:"json_enabled" envconfig:"JSON"`
	WeatherEnabled   bool `json:"weather_enabled" envconfig:"WEATHER"`
	NonLightsEnabled bool `json:"non_lights_enabled" envconfig:"NON_LIGHTS"`

	AcquisitionDetailsFileName string `json:"acquisition_details_file_name" envconfig:"ACQUISITION_FILE"`
	ImageMetaDataFileName      string `json:"image_metadata_file_name" envconfig:"IMAGE_FILE"`
	WeatherMetaDataFileName    string `json:"weather_metadata_file_name" envconfig:"WEATHER_FILE"`
	AutoFocusRunsFileName      string `json:"autofocus_runs_file_name" envconfig:"AUTOFOCUS_FILE"`

	// MetaDataOutputDirectory overrides the image directory when it exists
	// and is writable.
	MetaDataOutputDirectory string `json:"metadata_output_directory" envconfig:"OUTPUT_DIR"`
}

// DefaultSettings enables CSV output for light frames.
func DefaultSettings() Settings {
	return Settings{
		Enabled:                    true,
		CSVEnabled:                 true,
		JSONEnabled:                false,
		WeatherEnabled:             false,
		NonLightsEnabled:           false,
		AcquisitionDetailsFileName: DefaultAcquisitionFileName,
		ImageMetaDataFileName:      DefaultImageFileName,
		WeatherMetaDataFileName:    DefaultWeatherFileName,
		AutoFocusRunsFileName:      DefaultAutoFocusFileName,
	}
}

// Template returns the file name template for kind, falling back to the
// default when the configured one is blank.
func (s Settings) Template(kind record.Kind) string {
	var configured, fallback string
	switch kind {
	case record.KindAcquisition:
		configured, fallback = s.AcquisitionDetailsFileName, DefaultAcquisitionFileName
	case record.KindImage:
		configured, fallback = s.ImageMetaDataFileName, DefaultImageFileName
	case record.KindWeather:
		configured, fallback = s.WeatherMetaDataFileName, DefaultWeatherFileName
	case record.KindAutoFocus:
		configured, fallback = s.AutoFocusRunsFileName, DefaultAutoFocusFileName
	}
	if strings.TrimSpace(configured) == "" {
		return fallback
	}
	return configured
}

// Host setting keys accepted by FromMap.
const (
	KeyEnabled          = "SessionMetaDataEnabled"
	KeyCSVEnabled       = "CSVEnabled"
	KeyJSONEnabled      = "JSONEnabled"
	KeyWeatherEnabled   = "WeatherEnabled"
	KeyNonLightsEnabled = "NonLightsEnabled"
	KeyAcquisitionFile  = "AcquisitionDetailsFileName"
	KeyImageFile        = "ImageMetaDataFileName"
	KeyWeatherFile      = "WeatherMetaDataFileName"
	KeyAutoFocusFile    = "AutoFocusRunsFileName"
	KeyOutputDirectory  = "MetaDataOutputDirectory"
)

// ErrUnknownSetting is returned by Apply for a key it does not recognize.
var ErrUnknownSetting = errors.New("unknown setting")

// FromMap builds Settings from the host's key-value settings bag. Missing
// keys keep their defaults; the bag is shared with other plugins, so unknown
// keys are ignored.
func FromMap(values map[string]string) (Settings, error) {
	return DefaultSettings().apply(values, false)
}

// Apply returns a copy of s with the keys in values overridden. Unknown keys
// fail with ErrUnknownSetting.
func (s Settings) Apply(values map[string]string) (Settings, error) {
	return s.apply(values, true)
}

func (s Settings) apply(values map[string]string, strict bool) (Settings, error) {
	bools := map[string]*bool{
		KeyEnabled:          &s.Enabled,
		KeyCSVEnabled:       &s.CSVEnabled,
		KeyJSONEnabled:      &s.JSONEnabled,
		KeyWeatherEnabled:   &s.WeatherEnabled,
		KeyNonLightsEnabled: &s.NonLightsEnabled,
	}
	strs := map[string]*string{
		KeyAcquisitionFile: &s.AcquisitionDetailsFileName,
		KeyImageFile:       &s.ImageMetaDataFileName,
		KeyWeatherFile:     &s.WeatherMetaDataFileName,
		KeyAutoFocusFile:   &s.AutoFocusRunsFileName,
		KeyOutputDirectory: &s.MetaDataOutputDirectory,
	}

	for key, raw := range values {
		if dst, ok := bools[key]; ok {
			v, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return Settings{}, fmt.Errorf("setting %s: %w", key, err)
			}
			*dst = v
			continue
		}
		if dst, ok := strs[key]; ok {
			*dst = raw
			continue
		}
		if strict {
			return Settings{}, fmt.Errorf("%w %q", ErrUnknownSetting, key)
		}
	}
	return s, nil
}
