// Package submission accepts sensor payloads pushed by ground-station loggers over HTTP or
// MQTT, turns each into one location and one weather report, and persists both.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/persist"
	"github.com/kjstillabower/balloon-tracker-service/internal/validation"
)

// ErrInvalid is returned for payloads that cannot be decoded or fail validation.
// Nothing is stored for such payloads.
var ErrInvalid = errors.New("invalid submission")

// Payload is the logger's JSON body after coercion. Numbers may arrive as JSON numbers or
// numeric strings; an empty string or null means absent.
type Payload struct {
	Call     string   `json:"call" validate:"required"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lon      *float64 `json:"lon" validate:"required,longitude"`
	Alt      *float64 `json:"alt"`
	Temp     *float64 `json:"temp" validate:"required"`
	Humi     *float64 `json:"humi" validate:"required"`
	Pres     *float64 `json:"pres"`
	AltMax   *float64 `json:"alt_max"`
	Count    *int64   `json:"count"`
	Rate     *float64 `json:"rate"`
	OzonePPB *float64 `json:"ozone_ppb"`
	OzonePPM *float64 `json:"ozone_ppm"`
}

// Decode parses and validates body. All errors wrap ErrInvalid.
func Decode(body []byte) (Payload, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw == nil {
		return Payload{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalid)
	}

	var p Payload
	var errs []string
	call, err := stringField(raw["call"])
	if err != nil {
		errs = append(errs, "call: "+err.Error())
	}
	p.Call = call

	floats := []struct {
		name string
		dst  **float64
	}{
		{"lat", &p.Lat}, {"lon", &p.Lon}, {"alt", &p.Alt}, {"temp", &p.Temp},
		{"humi", &p.Humi}, {"pres", &p.Pres}, {"alt_max", &p.AltMax}, {"rate", &p.Rate},
		{"ozone_ppb", &p.OzonePPB}, {"ozone_ppm", &p.OzonePPM},
	}
	for _, f := range floats {
		v, err := floatField(raw[f.name])
		if err != nil {
			errs = append(errs, f.name+": "+err.Error())
			continue
		}
		*f.dst = v
	}
	count, err := intField(raw["count"])
	if err != nil {
		errs = append(errs, "count: "+err.Error())
	}
	p.Count = count

	if len(errs) > 0 {
		return Payload{}, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	if err := validation.Struct(&p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return p, nil
}

func stringField(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func floatField(v interface{}) (*float64, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("expected number, got %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return &f, nil
}

func intField(v interface{}) (*int64, error) {
	f, err := floatField(v)
	if err != nil || f == nil {
		return nil, err
	}
	n := int64(*f)
	if float64(n) != *f {
		return nil, fmt.Errorf("not an integer: %v", *f)
	}
	return &n, nil
}

// Records derives the location and weather reports for one submission. Both share at,
// which becomes every timestamp key.
func (p Payload) Records(at time.Time) (models.LocationReport, models.WeatherReport) {
	at = models.Millis(at)
	loc := models.LocationReport{
		Name:          p.Call,
		ObservedAt:    at,
		ReceivedAt:    at,
		Lat:           *p.Lat,
		Lng:           *p.Lon,
		Altitude:      p.Alt,
		SequenceCount: p.Count,
	}
	wx := models.WeatherReport{
		Name:          p.Call,
		ObservedAt:    at,
		Temperature:   *p.Temp,
		Humidity:      *p.Humi,
		Pressure:      p.Pres,
		Altitude:      p.Alt,
		AltitudeMax:   p.AltMax,
		AscentRate:    p.Rate,
		OzonePPB:      p.OzonePPB,
		OzonePPM:      p.OzonePPM,
		SequenceCount: p.Count,
	}
	return loc, wx
}

// Persister is the part of persist.Persister submissions need.
type Persister interface {
	PersistLocation(ctx context.Context, r *models.LocationReport, source string) (persist.Outcome, error)
	PersistWeather(ctx context.Context, r *models.WeatherReport, source string) (persist.Outcome, error)
}

// Result reports what happened to each derived record.
type Result struct {
	Location persist.Outcome
	Weather  persist.Outcome
}

// Service handles submissions from any transport.
type Service struct {
	persister Persister
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(p Persister, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{persister: p, now: time.Now, logger: logger}
}

// Submit decodes body and persists the derived records. transport labels metrics and logs.
// Decode failures wrap ErrInvalid; storage failures wrap persist.ErrStorage.
func (s *Service) Submit(ctx context.Context, body []byte, transport string) (Result, error) {
	logger := observability.LoggerFrom(ctx, s.logger)

	p, err := Decode(body)
	if err != nil {
		observability.SubmissionsTotal.WithLabelValues(transport, "invalid").Inc()
		logger.Info("rejected submission", zap.String("transport", transport), zap.Error(err))
		return Result{}, err
	}

	loc, wx := p.Records(s.now())
	var res Result
	if res.Location, err = s.persister.PersistLocation(ctx, &loc, transport); err != nil {
		observability.SubmissionsTotal.WithLabelValues(transport, "error").Inc()
		return Result{}, err
	}
	if res.Weather, err = s.persister.PersistWeather(ctx, &wx, transport); err != nil {
		observability.SubmissionsTotal.WithLabelValues(transport, "error").Inc()
		return res, err
	}

	observability.SubmissionsTotal.WithLabelValues(transport, "accepted").Inc()
	logger.Debug("submission stored",
		zap.String("transport", transport),
		zap.String("call", p.Call),
		zap.Stringer("location", res.Location),
		zap.Stringer("weather", res.Weather))
	return res, nil
}
