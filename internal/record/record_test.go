package record

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionmeta/internal/event"
	"sessionmeta/internal/format"
	"sessionmeta/internal/naming"
)

func ptr[T any](v T) *T { return &v }

func sampleEvent() *event.ImageSaved {
	return &event.ImageSaved{
		ImageType:      event.TypeLight,
		ExposureNumber: 3,
		ExposureStart:  time.Date(2021, 6, 1, 22, 15, 0, 0, time.UTC),
		Duration:       120.00001,
		Filter:         "OIII",
		Binning:        "2x2",
		PathToImage:    "/data/m31/light_0003.fits",
		Target:         event.Target{Name: "M 31", RA: "00:42:44", Dec: "41° 16' 09\""},
		Telescope:      event.Telescope{Name: "RedCat", FocalLength: 250, FocalRatio: 4.9, PierSide: event.PierEast, Airmass: ptr(1.23456)},
		Camera:         event.Camera{Name: "ASI2600", PixelSize: 3.76, Temperature: ptr(-9.87654), Gain: 100, Offset: 50},
		Observer:       event.Observer{Latitude: 42.123456, Longitude: -71.2, Elevation: 120},
		Focuser:        event.Focuser{Position: ptr(10234), Temperature: ptr(12.5)},
		Statistics:     event.Statistics{Mean: 812.345678, Median: 800, StDev: 44.1, Min: 12, Max: 65535, BitDepth: 16},
		StarDetection:  event.StarDetection{DetectedStars: 1422, HFR: 2.3456789, HFRStDev: 0.4510157391181826},
		Guiding:        &event.GuidingRMS{Total: 0.5, RA: 0.3, Dec: 0.4, Scale: 1.5},
	}
}

func TestNewAcquisition(t *testing.T) {
	a := NewAcquisition(sampleEvent())
	assert.Equal(t, "M 31", a.TargetName)
	assert.Equal(t, "0h 42m 44s", a.RACoordinates)
	assert.Equal(t, "41° 16' 09\"", a.DECCoordinates)
	assert.Equal(t, 42.1235, a.ObserverLatitude)
	assert.Equal(t, 16, a.BitDepth)
	assert.Equal(t, KindAcquisition, a.Kind())
	assert.Len(t, a.Row(), len(a.Header()))
}

func TestNewAcquisitionWithoutCoordinates(t *testing.T) {
	e := sampleEvent()
	e.Target.RA, e.Target.Dec = "", ""
	a := NewAcquisition(e)
	assert.Equal(t, "", a.RACoordinates)
	assert.Equal(t, "", a.DECCoordinates)
}

func TestExposureStartMatchesFileNameDate(t *testing.T) {
	e := sampleEvent()
	// Whatever zone this process runs in, the column and the $$DATE$$ token
	// both use the wall clock carried by the event.
	e.ExposureStart = time.Date(2021, 6, 2, 0, 30, 0, 0, time.FixedZone("AEST", 10*3600))
	e.Weather = &event.Weather{}
	img := NewImage(e, e.PathToImage)
	w, ok := NewWeather(e)
	require.True(t, ok)

	assert.Equal(t, "2021-06-02 00:30", img.ExposureStart)
	assert.Equal(t, "2021-06-02 00:30", w.ExposureStart)
	assert.Equal(t, "2021-06-01T14:30:00Z", img.ExposureStartUTC)
	assert.Equal(t, "2021-06-02", naming.Substitute("$$DATE$$", e))
}

func TestNewImage(t *testing.T) {
	e := sampleEvent()
	img := NewImage(e, "/data/m31/light_0003.fits")

	assert.Equal(t, 3, img.ExposureNumber)
	assert.Equal(t, format.FormatDateTime(e.ExposureStart), img.ExposureStart)
	assert.Equal(t, "2021-06-01T22:15:00Z", img.ExposureStartUTC)
	assert.Equal(t, 120.0, img.Duration)
	assert.Equal(t, 812.3457, img.ADUMean)
	assert.Equal(t, 2.3457, img.HFR)
	assert.Equal(t, 0.451, img.HFRStDev)
	assert.Equal(t, "East", img.PierSide)
	assert.Equal(t, Metric{Value: -9.8765, Valid: true}, img.CameraTemp)
	assert.False(t, img.CameraTargetTemp.Valid)
	assert.Equal(t, "10234", img.FocuserPosition.String())
	assert.Equal(t, "1.2346", img.Airmass.String())

	assert.Equal(t, "0.5", img.GuidingRMS.String())
	assert.Equal(t, "0.75", img.GuidingRMSArcSec.String())
	assert.Equal(t, "0.45", img.GuidingRMSRAArcSec.String())
	assert.Equal(t, "0.6", img.GuidingRMSDECArcSec.String())

	assert.Equal(t, NotApplicable, img.FWHM.String())
	assert.Equal(t, NotApplicable, img.Eccentricity.String())
	assert.Equal(t, NotApplicable, img.RotatorPosition.String())
	assert.Len(t, img.Row(), len(img.Header()))
}

func TestNewImageWithoutGuiding(t *testing.T) {
	e := sampleEvent()
	e.Guiding = nil
	img := NewImage(e, "x")
	for _, m := range []Metric{img.GuidingRMS, img.GuidingRMSArcSec, img.GuidingRMSRA, img.GuidingRMSRAArcSec, img.GuidingRMSDEC, img.GuidingRMSDECArcSec} {
		assert.Equal(t, NotApplicable, m.String())
	}
}

func TestNewImageGuidingWithoutScale(t *testing.T) {
	e := sampleEvent()
	e.Guiding.Scale = 0
	img := NewImage(e, "x")
	assert.True(t, img.GuidingRMS.Valid)
	assert.False(t, img.GuidingRMSArcSec.Valid)
}

func TestNewImageExtendedMetrics(t *testing.T) {
	e := sampleEvent()
	e.StarDetection.Extended = &event.ExtendedStarMetrics{FWHM: ptr(3.14159265)}
	img := NewImage(e, "x")
	assert.Equal(t, "3.1416", img.FWHM.String())
	assert.Equal(t, NotApplicable, img.Eccentricity.String())
}

func TestPierSide(t *testing.T) {
	assert.Equal(t, "East", PierSide(event.PierEast))
	assert.Equal(t, "West", PierSide(event.PierWest))
	assert.Equal(t, "n/a", PierSide(event.PierUnknown))
	assert.Equal(t, "n/a", PierSide(""))
}

func TestNewWeather(t *testing.T) {
	e := sampleEvent()
	_, ok := NewWeather(e)
	assert.False(t, ok)

	e.Weather = &event.Weather{
		Temperature:    ptr(12.345),
		DewPoint:       ptr(math.NaN()),
		Humidity:       ptr(81.23456),
		SkyTemperature: ptr(-18.26),
	}
	w, ok := NewWeather(e)
	require.True(t, ok)
	assert.Equal(t, "12.3", w.Temperature.String())
	assert.Equal(t, NotApplicable, w.DewPoint.String())
	assert.Equal(t, "81.2346", w.Humidity.String())
	assert.Equal(t, "-18.3", w.SkyTemperature.String())
	assert.Equal(t, NotApplicable, w.Pressure.String())
	assert.Len(t, w.Row(), len(w.Header()))
}

func TestNewAutoFocus(t *testing.T) {
	af := NewAutoFocus(&event.AutoFocusCompleted{
		Time:        time.Date(2021, 6, 2, 1, 0, 0, 0, time.UTC),
		Filter:      "L",
		OldPosition: 1000,
		NewPosition: 1040,
		Method:      "STARHFR",
	})
	assert.Equal(t, NotApplicable, af.Temperature.String())
	assert.Equal(t, []string{format.FormatDateTime(time.Date(2021, 6, 2, 1, 0, 0, 0, time.UTC)), "L", "n/a", "1000", "1040", "STARHFR", ""}, af.Row())
}

// jsonKeys returns the top-level keys of a JSON object in document order.
func jsonKeys(t *testing.T, v any) []string {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(body))
	_, err = dec.Token()
	require.NoError(t, err)
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	return keys
}

func TestHeadersMatchJSONKeys(t *testing.T) {
	e := sampleEvent()
	w, _ := NewWeather(&event.ImageSaved{Weather: &event.Weather{}})
	records := []Record{
		NewAcquisition(e),
		NewImage(e, "x"),
		w,
		NewAutoFocus(&event.AutoFocusCompleted{}),
	}
	for _, rec := range records {
		t.Run(string(rec.Kind()), func(t *testing.T) {
			assert.Equal(t, rec.Header(), jsonKeys(t, rec))
			assert.Len(t, rec.Row(), len(rec.Header()))
		})
	}
}

func TestMetricJSON(t *testing.T) {
	body, err := json.Marshal(struct {
		A Metric
		B Metric
	}{Some(1.23456), None()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"A":1.2346,"B":"n/a"}`, string(body))

	var out struct {
		A, B, C, D Metric
	}
	require.NoError(t, json.Unmarshal([]byte(`{"A":1.5,"B":"n/a","C":null,"D":"2.25"}`), &out))
	assert.Equal(t, Metric{Value: 1.5, Valid: true}, out.A)
	assert.False(t, out.B.Valid)
	assert.False(t, out.C.Valid)
	assert.Equal(t, 2.25, out.D.Value)

	assert.Error(t, json.Unmarshal([]byte(`{"A":"abc"}`), &out))
}

func TestSomeRejectsNaN(t *testing.T) {
	assert.False(t, Some(math.NaN()).Valid)
	assert.False(t, Some(math.Inf(-1)).Valid)
}
