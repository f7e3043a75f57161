// Package event defines the notifications the imaging host sends when it
// saves an image or finishes an autofocus run.
package event

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent is returned when a payload fails validation.
var ErrInvalidEvent = errors.New("invalid event")

// ImageType is the host's frame type tag.
type ImageType string

const (
	TypeLight    ImageType = "LIGHT"
	TypeFlat     ImageType = "FLAT"
	TypeDark     ImageType = "DARK"
	TypeBias     ImageType = "BIAS"
	TypeDarkFlat ImageType = "DARKFLAT"
	TypeSnapshot ImageType = "SNAPSHOT"
)

// PierSide reports which side of the mount the telescope is on.
type PierSide string

const (
	PierEast    PierSide = "east"
	PierWest    PierSide = "west"
	PierUnknown PierSide = "unknown"
)

// ImageSaved is produced once per captured image and never mutated.
type ImageSaved struct {
	ImageType      ImageType `json:"imageType" validate:"required,oneof=LIGHT FLAT DARK BIAS DARKFLAT SNAPSHOT"`
	ExposureNumber int       `json:"exposureNumber" validate:"gte=0"`
	ExposureStart  time.Time `json:"exposureStart"`
	Duration       float64   `json:"duration" validate:"gte=0"`
	Filter         string    `json:"filter,omitempty"`
	Binning        string    `json:"binning,omitempty"`
	// PathToImage is either a plain path or a file:/// URL.
	PathToImage string `json:"pathToImage" validate:"required"`

	Target        Target        `json:"target"`
	Telescope     Telescope     `json:"telescope"`
	Camera        Camera        `json:"camera"`
	Observer      Observer      `json:"observer"`
	Focuser       Focuser       `json:"focuser"`
	Rotator       Rotator       `json:"rotator"`
	Statistics    Statistics    `json:"statistics"`
	StarDetection StarDetection `json:"starDetection"`
	Guiding       *GuidingRMS   `json:"guiding,omitempty"`
	Weather       *Weather      `json:"weather,omitempty"`
}

type Target struct {
	Name string `json:"name"`
	// RA is "HH:MM:SS", Dec is whatever the host renders.
	RA  string `json:"ra,omitempty"`
	Dec string `json:"dec,omitempty"`
}

type Telescope struct {
	Name        string   `json:"name"`
	FocalLength float64  `json:"focalLength" validate:"gte=0"`
	FocalRatio  float64  `json:"focalRatio" validate:"gte=0"`
	PierSide    PierSide `json:"pierSide,omitempty"`
	Airmass     *float64 `json:"airmass,omitempty"`
}

type Camera struct {
	Name              string   `json:"name"`
	PixelSize         float64  `json:"pixelSize" validate:"gte=0"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TargetTemperature *float64 `json:"targetTemperature,omitempty"`
	Gain              int      `json:"gain"`
	Offset            int      `json:"offset"`
}

type Observer struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Elevation float64 `json:"elevation"`
}

type Focuser struct {
	Position    *int     `json:"position,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type Rotator struct {
	Position *float64 `json:"position,omitempty"`
}

type Statistics struct {
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	StDev    float64 `json:"stDev"`
	Min      int     `json:"min"`
	Max      int     `json:"max"`
	BitDepth int     `json:"bitDepth" validate:"gte=0,lte=32"`
}

type StarDetection struct {
	DetectedStars int     `json:"detectedStars" validate:"gte=0"`
	HFR           float64 `json:"hfr"`
	HFRStDev      float64 `json:"hfrStDev"`
	// Extended is only present when the host runs an analyzer that reports
	// more than HFR.
	Extended *ExtendedStarMetrics `json:"extended,omitempty"`
}

type ExtendedStarMetrics struct {
	FWHM         *float64 `json:"fwhm,omitempty"`
	Eccentricity *float64 `json:"eccentricity,omitempty"`
}

// GuidingRMS values are in guider units; Scale converts them to arc seconds.
type GuidingRMS struct {
	Total float64 `json:"total"`
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Scale float64 `json:"scale" validate:"gte=0"`
}

// Weather is a snapshot from the weather station. A nil field means the
// station does not report that quantity.
type Weather struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	DewPoint       *float64 `json:"dewPoint,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Pressure       *float64 `json:"pressure,omitempty"`
	WindSpeed      *float64 `json:"windSpeed,omitempty"`
	WindDirection  *float64 `json:"windDirection,omitempty"`
	WindGust       *float64 `json:"windGust,omitempty"`
	CloudCover     *float64 `json:"cloudCover,omitempty"`
	SkyTemperature *float64 `json:"skyTemperature,omitempty"`
	SkyBrightness  *float64 `json:"skyBrightness,omitempty"`
	SkyQuality     *float64 `json:"skyQuality,omitempty"`
}

// AutoFocusCompleted is sent when the host finishes an autofocus run.
type AutoFocusCompleted struct {
	Time        time.Time `json:"time"`
	Filter      string    `json:"filter,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	OldPosition int       `json:"oldPosition"`
	NewPosition int       `json:"newPosition"`
	Method      string    `json:"method,omitempty"`
	Fitting     string    `json:"fitting,omitempty"`
	// ImageDirectory is the host's image root, used when no override
	// directory is configured.
	ImageDirectory string `json:"imageDirectory,omitempty"`
}

var validate = validator.New()

// Validate checks the payload's field constraints.
func (e *ImageSaved) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Validate checks the payload's field constraints.
func (e *AutoFocusCompleted) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// IsLight reports whether the frame is a science exposure.
func (e *ImageSaved) IsLight() bool {
	return e != nil && e.ImageType == TypeLight
}

// ImagePath returns PathToImage as a decoded file system path.
func (e *ImageSaved) ImagePath() (string, error) {
	if e == nil {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	return FileURLToPath(e.PathToImage)
}

// ImageDir returns the directory the image was saved to.
func (e *ImageSaved) ImageDir() (string, error) {
	p, err := e.ImagePath()
	if err != nil {
		return "", err
	}
	return filepath.Dir(p), nil
}

func (e *ImageSaved) TokenTime() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.ExposureStart
}

func (e *ImageSaved) TokenTarget() string {
	if e == nil {
		return ""
	}
	return e.Target.Name
}

func (e *ImageSaved) TokenFilter() string {
	if e == nil {
		return ""
	}
	return e.Filter
}

func (e *AutoFocusCompleted) TokenTime() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.Time
}

func (e *AutoFocusCompleted) TokenTarget() string { return "" }

func (e *AutoFocusCompleted) TokenFilter() string {
	if e == nil {
		return ""
	}
	return e.Filter
}

// FileURLToPath decodes a file:// URL (or percent-encoded path) into a local
// path. Plain paths are returned cleaned.
func FileURLToPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty image path", ErrInvalidEvent)
	}
	if !strings.HasPrefix(strings.ToLower(raw), "file:") {
		if decoded, err := url.PathUnescape(raw); err == nil {
			raw = decoded
		}
		return filepath.Clean(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse image url %q: %v", ErrInvalidEvent, raw, err)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		// UNC share: file://server/share/dir/img.fits
		p = "//" + u.Host + p
	}
	// file:///C:/images/x.fits
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}
