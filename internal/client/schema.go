package client

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/kjstillabower/balloon-tracker-service/internal/aprs"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/validation"
)

// flexFloat accepts a JSON number or a numeric string; aprs.fi sends both.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(string(unquote(b)), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(v)
	return nil
}

// flexInt is a whole-seconds epoch timestamp sent as a number or a numeric string.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseInt(string(unquote(b)), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*n = flexInt(v)
	return nil
}

func unquote(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}

type locationResponse struct {
	Command string          `json:"command" validate:"eq=get"`
	Result  string          `json:"result" validate:"eq=ok"`
	What    string          `json:"what" validate:"eq=loc"`
	Found   *flexInt        `json:"found" validate:"required"`
	Entries []locationEntry `json:"entries" validate:"dive"`
}

type locationEntry struct {
	Class    string     `json:"class" validate:"eq=a"`
	Name     string     `json:"name" validate:"required"`
	Type     string     `json:"type" validate:"eq=w"`
	Time     *flexInt   `json:"time" validate:"required"`
	LastTime *flexInt   `json:"lasttime" validate:"required"`
	Lat      *flexFloat `json:"lat" validate:"required,latitude"`
	Lng      *flexFloat `json:"lng" validate:"required,longitude"`
	Altitude *flexFloat `json:"altitude"`
	Symbol   string     `json:"symbol" validate:"required"`
	SrcCall  string     `json:"srccall" validate:"required"`
	DstCall  string     `json:"dstcall" validate:"required"`
	Comment  string     `json:"comment"`
	Path     string     `json:"path"`
}

type weatherResponse struct {
	Command string         `json:"command" validate:"eq=get"`
	Result  string         `json:"result" validate:"eq=ok"`
	What    string         `json:"what" validate:"eq=wx"`
	Found   *flexInt       `json:"found" validate:"required"`
	Entries []weatherEntry `json:"entries" validate:"dive"`
}

type weatherEntry struct {
	Name     string     `json:"name" validate:"required"`
	Time     *flexInt   `json:"time" validate:"required"`
	Temp     *flexFloat `json:"temp" validate:"required"`
	Humidity *flexFloat `json:"humidity" validate:"required,gte=0,lte=100"`
	Pressure *flexFloat `json:"pressure"`
}

// decodeLocation parses and validates a what=loc body. Any mismatch fails the whole body.
func decodeLocation(body []byte, station string) ([]models.LocationReport, error) {
	var resp locationResponse
	if err := unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if err := validation.Struct(&resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	out := make([]models.LocationReport, 0, len(resp.Entries))
	for i, e := range resp.Entries {
		if e.Name != station {
			return nil, fmt.Errorf("%w: entries[%d].name must be %s, got %s", ErrValidation, i, station, e.Name)
		}
		out = append(out, models.LocationReport{
			Name:          e.Name,
			Type:          e.Type,
			Symbol:        e.Symbol,
			SrcCall:       e.SrcCall,
			DstCall:       e.DstCall,
			ObservedAt:    models.FromEpochSeconds(int64(*e.Time)),
			ReceivedAt:    models.FromEpochSeconds(int64(*e.LastTime)),
			Lat:           float64(*e.Lat),
			Lng:           float64(*e.Lng),
			Altitude:      floatPtr(e.Altitude),
			Comment:       e.Comment,
			Path:          e.Path,
			SequenceCount: aprs.ParseComment(e.Comment).Count,
		})
	}
	return out, nil
}

// decodeWeather parses and validates a what=wx body.
func decodeWeather(body []byte, station string) ([]models.WeatherReport, error) {
	var resp weatherResponse
	if err := unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if err := validation.Struct(&resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	out := make([]models.WeatherReport, 0, len(resp.Entries))
	for i, e := range resp.Entries {
		if e.Name != station {
			return nil, fmt.Errorf("%w: entries[%d].name must be %s, got %s", ErrValidation, i, station, e.Name)
		}
		out = append(out, models.WeatherReport{
			Name:        e.Name,
			ObservedAt:  models.FromEpochSeconds(int64(*e.Time)),
			Temperature: float64(*e.Temp),
			Humidity:    float64(*e.Humidity),
			Pressure:    floatPtr(e.Pressure),
		})
	}
	return out, nil
}

func floatPtr(f *flexFloat) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}
