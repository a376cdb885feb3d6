package models

import "time"

// RecordKind names one of the two independently processed data streams.
type RecordKind string

const (
	KindLocation RecordKind = "location"
	KindWeather  RecordKind = "weather"
)

// Record is implemented by LocationReport and WeatherReport.
type Record interface {
	Kind() RecordKind
	// Key is the per-kind dedup timestamp (ReceivedAt for locations, ObservedAt for weather).
	Key() time.Time
	Sequence() *int64
}

// LocationReport is one position report for the tracked station.
type LocationReport struct {
	ID            int64     `json:"id,omitempty"`
	Name          string    `json:"name"`
	Type          string    `json:"type,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	SrcCall       string    `json:"srccall,omitempty"`
	DstCall       string    `json:"dstcall,omitempty"`
	ObservedAt    time.Time `json:"time"`
	ReceivedAt    time.Time `json:"lasttime"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Altitude      *float64  `json:"altitude,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	Path          string    `json:"path,omitempty"`
	SequenceCount *int64    `json:"sequenceCount,omitempty"`
}

func (l LocationReport) Kind() RecordKind { return KindLocation }
func (l LocationReport) Key() time.Time   { return l.ReceivedAt }
func (l LocationReport) Sequence() *int64 { return l.SequenceCount }

// WeatherReport is one weather sample for the tracked station.
type WeatherReport struct {
	ID            int64     `json:"id,omitempty"`
	Name          string    `json:"name"`
	ObservedAt    time.Time `json:"time"`
	Temperature   float64   `json:"temp"`
	Humidity      float64   `json:"humidity"`
	Pressure      *float64  `json:"pressure,omitempty"`
	Altitude      *float64  `json:"altitude,omitempty"`
	AltitudeMax   *float64  `json:"altitudeMax,omitempty"`
	AscentRate    *float64  `json:"rate,omitempty"`
	OzonePPB      *float64  `json:"ozonePpb,omitempty"`
	OzonePPM      *float64  `json:"ozonePpm,omitempty"`
	SequenceCount *int64    `json:"sequenceCount,omitempty"`
}

func (w WeatherReport) Kind() RecordKind { return KindWeather }
func (w WeatherReport) Key() time.Time   { return w.ObservedAt }
func (w WeatherReport) Sequence() *int64 { return w.SequenceCount }

// Millis truncates t to millisecond precision, the resolution records are stored at.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// FromEpochSeconds converts a wire timestamp (whole seconds since epoch) to a record time.
func FromEpochSeconds(sec int64) time.Time {
	return time.UnixMilli(sec * 1000).UTC()
}
