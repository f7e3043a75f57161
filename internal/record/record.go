// Package record shapes image-saved events into the flat rows written to the
// metadata files. Every record type has a fixed field order shared by its CSV
// header and its JSON keys.
package record

import (
	"strconv"

	"sessionmeta/internal/event"
	"sessionmeta/internal/format"
)

// Kind identifies a record type and its output file.
type Kind string

const (
	KindAcquisition Kind = "acquisition"
	KindImage       Kind = "image"
	KindWeather     Kind = "weather"
	KindAutoFocus   Kind = "autofocus"
)

// Kinds lists the record kinds in write order.
func Kinds() []Kind {
	return []Kind{KindAcquisition, KindImage, KindWeather, KindAutoFocus}
}

// Record is one output row.
type Record interface {
	Kind() Kind
	Header() []string
	Row() []string
}

// Acquisition describes the optical train and site. One per output directory.
type Acquisition struct {
	TargetName        string  `json:"TargetName"`
	RACoordinates     string  `json:"RACoordinates"`
	DECCoordinates    string  `json:"DECCoordinates"`
	TelescopeName     string  `json:"TelescopeName"`
	FocalLength       float64 `json:"FocalLength"`
	FocalRatio        float64 `json:"FocalRatio"`
	CameraName        string  `json:"CameraName"`
	PixelSize         float64 `json:"PixelSize"`
	BitDepth          int     `json:"BitDepth"`
	ObserverLatitude  float64 `json:"ObserverLatitude"`
	ObserverLongitude float64 `json:"ObserverLongitude"`
	ObserverElevation float64 `json:"ObserverElevation"`
}

// NewAcquisition shapes the acquisition details of e.
func NewAcquisition(e *event.ImageSaved) Acquisition {
	return Acquisition{
		TargetName:        e.Target.Name,
		RACoordinates:     format.FormatRA(e.Target.RA),
		DECCoordinates:    e.Target.Dec,
		TelescopeName:     e.Telescope.Name,
		FocalLength:       format.ReformatDouble(e.Telescope.FocalLength),
		FocalRatio:        format.ReformatDouble(e.Telescope.FocalRatio),
		CameraName:        e.Camera.Name,
		PixelSize:         format.ReformatDouble(e.Camera.PixelSize),
		BitDepth:          e.Statistics.BitDepth,
		ObserverLatitude:  format.ReformatDouble(e.Observer.Latitude),
		ObserverLongitude: format.ReformatDouble(e.Observer.Longitude),
		ObserverElevation: format.ReformatDouble(e.Observer.Elevation),
	}
}

func (Acquisition) Kind() Kind { return KindAcquisition }

func (Acquisition) Header() []string {
	return []string{
		"TargetName", "RACoordinates", "DECCoordinates", "TelescopeName",
		"FocalLength", "FocalRatio", "CameraName", "PixelSize", "BitDepth",
		"ObserverLatitude", "ObserverLongitude", "ObserverElevation",
	}
}

func (a Acquisition) Row() []string {
	return []string{
		a.TargetName, a.RACoordinates, a.DECCoordinates, a.TelescopeName,
		format.Float(a.FocalLength), format.Float(a.FocalRatio), a.CameraName,
		format.Float(a.PixelSize), strconv.Itoa(a.BitDepth),
		format.Float(a.ObserverLatitude), format.Float(a.ObserverLongitude), format.Float(a.ObserverElevation),
	}
}

// Image holds the per-exposure statistics.
type Image struct {
	ExposureNumber      int     `json:"ExposureNumber"`
	FilePath            string  `json:"FilePath"`
	FilterName          string  `json:"FilterName"`
	ExposureStart       string  `json:"ExposureStart"`
	ExposureStartUTC    string  `json:"ExposureStartUTC"`
	Duration            float64 `json:"Duration"`
	Binning             string  `json:"Binning"`
	CameraTemp          Metric  `json:"CameraTemp"`
	CameraTargetTemp    Metric  `json:"CameraTargetTemp"`
	Gain                int     `json:"Gain"`
	Offset              int     `json:"Offset"`
	ADUStDev            float64 `json:"ADUStDev"`
	ADUMean             float64 `json:"ADUMean"`
	ADUMedian           float64 `json:"ADUMedian"`
	ADUMin              int     `json:"ADUMin"`
	ADUMax              int     `json:"ADUMax"`
	DetectedStars       int     `json:"DetectedStars"`
	HFR                 float64 `json:"HFR"`
	HFRStDev            float64 `json:"HFRStDev"`
	FWHM                Metric  `json:"FWHM"`
	Eccentricity        Metric  `json:"Eccentricity"`
	GuidingRMS          Metric  `json:"GuidingRMS"`
	GuidingRMSArcSec    Metric  `json:"GuidingRMSArcSec"`
	GuidingRMSRA        Metric  `json:"GuidingRMSRA"`
	GuidingRMSRAArcSec  Metric  `json:"GuidingRMSRAArcSec"`
	GuidingRMSDEC       Metric  `json:"GuidingRMSDEC"`
	GuidingRMSDECArcSec Metric  `json:"GuidingRMSDECArcSec"`
	FocuserPosition     Metric  `json:"FocuserPosition"`
	FocuserTemp         Metric  `json:"FocuserTemp"`
	RotatorPosition     Metric  `json:"RotatorPosition"`
	PierSide            string  `json:"PierSide"`
	Airmass             Metric  `json:"Airmass"`
}

// NewImage shapes the per-image statistics of e. imagePath is the decoded
// path of the saved image.
func NewImage(e *event.ImageSaved, imagePath string) Image {
	img := Image{
		ExposureNumber:   e.ExposureNumber,
		FilePath:         imagePath,
		FilterName:       e.Filter,
		ExposureStart:    format.FormatDateTime(e.ExposureStart),
		ExposureStartUTC: format.FormatDateTimeISO8601(e.ExposureStart),
		Duration:         format.ReformatDouble(e.Duration),
		Binning:          e.Binning,
		CameraTemp:       fromPtr(e.Camera.Temperature),
		CameraTargetTemp: fromPtr(e.Camera.TargetTemperature),
		Gain:             e.Camera.Gain,
		Offset:           e.Camera.Offset,
		ADUStDev:         format.ReformatDouble(e.Statistics.StDev),
		ADUMean:          format.ReformatDouble(e.Statistics.Mean),
		ADUMedian:        format.ReformatDouble(e.Statistics.Median),
		ADUMin:           e.Statistics.Min,
		ADUMax:           e.Statistics.Max,
		DetectedStars:    e.StarDetection.DetectedStars,
		HFR:              format.ReformatDouble(e.StarDetection.HFR),
		HFRStDev:         format.ReformatDouble(e.StarDetection.HFRStDev),
		FocuserTemp:      fromPtr(e.Focuser.Temperature),
		RotatorPosition:  fromPtr(e.Rotator.Position),
		PierSide:         PierSide(e.Telescope.PierSide),
		Airmass:          fromPtr(e.Telescope.Airmass),
	}

	if x := e.StarDetection.Extended; x != nil {
		img.FWHM = fromPtr(x.FWHM)
		img.Eccentricity = fromPtr(x.Eccentricity)
	}
	if e.Focuser.Position != nil {
		img.FocuserPosition = Some(float64(*e.Focuser.Position))
	}
	if g := e.Guiding; g != nil {
		img.GuidingRMS = Some(g.Total)
		img.GuidingRMSRA = Some(g.RA)
		img.GuidingRMSDEC = Some(g.Dec)
		if g.Scale > 0 {
			img.GuidingRMSArcSec = Some(g.Total * g.Scale)
			img.GuidingRMSRAArcSec = Some(g.RA * g.Scale)
			img.GuidingRMSDECArcSec = Some(g.Dec * g.Scale)
		}
	}
	return img
}

// PierSide maps the mount's pier side to "East", "West" or "n/a".
func PierSide(p event.PierSide) string {
	switch p {
	case event.PierEast:
		return "East"
	case event.PierWest:
		return "West"
	default:
		return NotApplicable
	}
}

func (Image) Kind() Kind { return KindImage }

func (Image) Header() []string {
	return []string{
		"ExposureNumber", "FilePath", "FilterName", "ExposureStart", "ExposureStartUTC",
		"Duration", "Binning", "CameraTemp", "CameraTargetTemp", "Gain", "Offset",
		"ADUStDev", "ADUMean", "ADUMedian", "ADUMin", "ADUMax",
		"DetectedStars", "HFR", "HFRStDev", "FWHM", "Eccentricity",
		"GuidingRMS", "GuidingRMSArcSec", "GuidingRMSRA", "GuidingRMSRAArcSec",
		"GuidingRMSDEC", "GuidingRMSDECArcSec",
		"FocuserPosition", "FocuserTemp", "RotatorPosition", "PierSide", "Airmass",
	}
}

func (i Image) Row() []string {
	return []string{
		strconv.Itoa(i.ExposureNumber), i.FilePath, i.FilterName, i.ExposureStart, i.ExposureStartUTC,
		format.Float(i.Duration), i.Binning, i.CameraTemp.String(), i.CameraTargetTemp.String(),
		strconv.Itoa(i.Gain), strconv.Itoa(i.Offset),
		format.Float(i.ADUStDev), format.Float(i.ADUMean), format.Float(i.ADUMedian),
		strconv.Itoa(i.ADUMin), strconv.Itoa(i.ADUMax),
		strconv.Itoa(i.DetectedStars), format.Float(i.HFR), format.Float(i.HFRStDev),
		i.FWHM.String(), i.Eccentricity.String(),
		i.GuidingRMS.String(), i.GuidingRMSArcSec.String(), i.GuidingRMSRA.String(), i.GuidingRMSRAArcSec.String(),
		i.GuidingRMSDEC.String(), i.GuidingRMSDECArcSec.String(),
		i.FocuserPosition.String(), i.FocuserTemp.String(), i.RotatorPosition.String(), i.PierSide, i.Airmass.String(),
	}
}

// Weather holds the weather station snapshot taken with an exposure.
type Weather struct {
	ExposureNumber int    `json:"ExposureNumber"`
	ExposureStart  string `json:"ExposureStart"`
	Temperature    Metric `json:"Temperature"`
	DewPoint       Metric `json:"DewPoint"`
	Humidity       Metric `json:"Humidity"`
	Pressure       Metric `json:"Pressure"`
	WindSpeed      Metric `json:"WindSpeed"`
	WindDirection  Metric `json:"WindDirection"`
	WindGust       Metric `json:"WindGust"`
	CloudCover     Metric `json:"CloudCover"`
	SkyTemperature Metric `json:"SkyTemperature"`
	SkyBrightness  Metric `json:"SkyBrightness"`
	SkyQuality     Metric `json:"SkyQuality"`
}

// NewWeather shapes the weather snapshot of e. ok is false when e carries no
// weather data.
func NewWeather(e *event.ImageSaved) (w Weather, ok bool) {
	if e.Weather == nil {
		return Weather{}, false
	}
	ws := e.Weather
	return Weather{
		ExposureNumber: e.ExposureNumber,
		ExposureStart:  format.FormatDateTime(e.ExposureStart),
		Temperature:    tenthFromPtr(ws.Temperature),
		DewPoint:       tenthFromPtr(ws.DewPoint),
		Humidity:       fromPtr(ws.Humidity),
		Pressure:       fromPtr(ws.Pressure),
		WindSpeed:      fromPtr(ws.WindSpeed),
		WindDirection:  fromPtr(ws.WindDirection),
		WindGust:       fromPtr(ws.WindGust),
		CloudCover:     fromPtr(ws.CloudCover),
		SkyTemperature: tenthFromPtr(ws.SkyTemperature),
		SkyBrightness:  fromPtr(ws.SkyBrightness),
		SkyQuality:     fromPtr(ws.SkyQuality),
	}, true
}

func (Weather) Kind() Kind { return KindWeather }

func (Weather) Header() []string {
	return []string{
		"ExposureNumber", "ExposureStart", "Temperature", "DewPoint", "Humidity",
		"Pressure", "WindSpeed", "WindDirection", "WindGust", "CloudCover",
		"SkyTemperature", "SkyBrightness", "SkyQuality",
	}
}

func (w Weather) Row() []string {
	return []string{
		strconv.Itoa(w.ExposureNumber), w.ExposureStart,
		w.Temperature.String(), w.DewPoint.String(), w.Humidity.String(),
		w.Pressure.String(), w.WindSpeed.String(), w.WindDirection.String(), w.WindGust.String(),
		w.CloudCover.String(), w.SkyTemperature.String(), w.SkyBrightness.String(), w.SkyQuality.String(),
	}
}

// AutoFocus records one completed autofocus run.
type AutoFocus struct {
	Time        string `json:"Time"`
	Filter      string `json:"Filter"`
	Temperature Metric `json:"Temperature"`
	OldPosition int    `json:"OldPosition"`
	NewPosition int    `json:"NewPosition"`
	Method      string `json:"Method"`
	Fitting     string `json:"Fitting"`
}

// NewAutoFocus shapes an autofocus run.
func NewAutoFocus(e *event.AutoFocusCompleted) AutoFocus {
	return AutoFocus{
		Time:        format.FormatDateTime(e.Time),
		Filter:      e.Filter,
		Temperature: fromPtr(e.Temperature),
		OldPosition: e.OldPosition,
		NewPosition: e.NewPosition,
		Method:      e.Method,
		Fitting:     e.Fitting,
	}
}

func (AutoFocus) Kind() Kind { return KindAutoFocus }

func (AutoFocus) Header() []string {
	return []string{"Time", "Filter", "Temperature", "OldPosition", "NewPosition", "Method", "Fitting"}
}

func (a AutoFocus) Row() []string {
	return []string{
		a.Time, a.Filter, a.Temperature.String(),
		strconv.Itoa(a.OldPosition), strconv.Itoa(a.NewPosition), a.Method, a.Fitting,
	}
}
