package submission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/persist"
	"github.com/kjstillabower/balloon-tracker-service/internal/store"
)

const fullBody = `{
  "call": "DL7HMX-15", "lat": "52.5200", "lon": 13.405, "alt": 1305,
  "temp": "-7.5", "humi": 64, "pres": "", "alt_max": 452.628,
  "count": 13, "rate": "0.7", "ozone_ppb": 54.31, "ozone_ppm": null
}`

func TestDecode_CoercesNumbersAndBlanks(t *testing.T) {
	p, err := Decode([]byte(fullBody))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Call != "DL7HMX-15" {
		t.Errorf("Call = %q", p.Call)
	}
	if p.Lat == nil || *p.Lat != 52.52 {
		t.Errorf("Lat = %v, want 52.52", p.Lat)
	}
	if p.Temp == nil || *p.Temp != -7.5 {
		t.Errorf("Temp = %v, want -7.5", p.Temp)
	}
	if p.Pres != nil {
		t.Errorf("Pres = %v, want nil for empty string", *p.Pres)
	}
	if p.OzonePPM != nil {
		t.Errorf("OzonePPM = %v, want nil for null", *p.OzonePPM)
	}
	if p.Count == nil || *p.Count != 13 {
		t.Errorf("Count = %v, want 13", p.Count)
	}
	if p.Rate == nil || *p.Rate != 0.7 {
		t.Errorf("Rate = %v, want 0.7", p.Rate)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing temp", strings.Replace(fullBody, `"temp": "-7.5",`, ``, 1), "temp is required"},
		{"blank humidity", strings.Replace(fullBody, `"humi": 64`, `"humi": ""`, 1), "humi is required"},
		{"missing call", strings.Replace(fullBody, `"call": "DL7HMX-15",`, ``, 1), "call is required"},
		{"latitude out of range", strings.Replace(fullBody, `"lat": "52.5200"`, `"lat": 95`, 1), "lat"},
		{"non numeric temp", strings.Replace(fullBody, `"temp": "-7.5"`, `"temp": "warm"`, 1), "temp: not a number"},
		{"bool lat", strings.Replace(fullBody, `"lat": "52.5200"`, `"lat": true`, 1), "lat: expected number"},
		{"fractional count", strings.Replace(fullBody, `"count": 13`, `"count": 1.5`, 1), "count: not an integer"},
		{"numeric call", strings.Replace(fullBody, `"call": "DL7HMX-15"`, `"call": 7`, 1), "call: expected string"},
		{"not json", `call=DL7HMX`, ""},
		{"json null", `null`, "JSON object"},
		{"json array", `[]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Decode() error = %v, want ErrInvalid", err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Decode() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestPayload_RecordsShareOneTimestamp(t *testing.T) {
	p, err := Decode([]byte(fullBody))
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 6, 14, 12, 0, 0, 123456789, time.UTC)
	loc, wx := p.Records(at)

	want := time.Date(2026, 6, 14, 12, 0, 0, 123000000, time.UTC)
	for name, got := range map[string]time.Time{"loc.ObservedAt": loc.ObservedAt, "loc.ReceivedAt": loc.ReceivedAt, "wx.ObservedAt": wx.ObservedAt} {
		if !got.Equal(want) {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if loc.Lng != 13.405 || wx.Humidity != 64 {
		t.Errorf("unexpected mapping loc=%+v wx=%+v", loc, wx)
	}
	if wx.AltitudeMax == nil || *wx.AltitudeMax != 452.628 {
		t.Errorf("AltitudeMax = %v", wx.AltitudeMax)
	}
	if loc.SequenceCount == nil || wx.SequenceCount == nil || *loc.SequenceCount != 13 {
		t.Errorf("SequenceCount loc=%v wx=%v, want 13", loc.SequenceCount, wx.SequenceCount)
	}
}

func newService(s store.Store, at time.Time) *Service {
	svc := NewService(persist.New(s, nil, persist.WithClock(func() time.Time { return at })), nil)
	svc.now = func() time.Time { return at }
	return svc
}

func TestSubmit_StoresBothRecords(t *testing.T) {
	s := store.NewMemory()
	at := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)
	svc := newService(s, at)
	ctx := context.Background()

	res, err := svc.Submit(ctx, []byte(fullBody), "http")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Location != persist.Inserted || res.Weather != persist.Inserted {
		t.Errorf("Submit() = %+v, want both inserted", res)
	}

	// Same payload a second later: different timestamp, same count inside the window.
	svc.now = func() time.Time { return at.Add(time.Second) }
	res, err = svc.Submit(ctx, []byte(fullBody), "http")
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if res.Location != persist.SkippedDuplicate || res.Weather != persist.SkippedDuplicate {
		t.Errorf("second Submit() = %+v, want both skipped", res)
	}

	locs, _ := s.Locations(ctx, 0)
	wxs, _ := s.Weathers(ctx, 0)
	if len(locs) != 1 || len(wxs) != 1 {
		t.Errorf("stored loc=%d wx=%d, want 1 and 1", len(locs), len(wxs))
	}
}

func TestSubmit_InvalidStoresNothing(t *testing.T) {
	s := store.NewMemory()
	svc := newService(s, time.Now())
	ctx := context.Background()

	_, err := svc.Submit(ctx, []byte(strings.Replace(fullBody, `"temp": "-7.5",`, ``, 1)), "http")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Submit() error = %v, want ErrInvalid", err)
	}
	locs, _ := s.Locations(ctx, 0)
	wxs, _ := s.Weathers(ctx, 0)
	if len(locs) != 0 || len(wxs) != 0 {
		t.Errorf("stored loc=%d wx=%d after invalid submission, want none", len(locs), len(wxs))
	}
}

type brokenStore struct{ *store.Memory }

func (brokenStore) HasKey(ctx context.Context, kind models.RecordKind, key time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestSubmit_StorageFailure(t *testing.T) {
	svc := newService(brokenStore{store.NewMemory()}, time.Now())

	_, err := svc.Submit(context.Background(), []byte(fullBody), "mqtt")
	if !errors.Is(err, persist.ErrStorage) {
		t.Fatalf("Submit() error = %v, want ErrStorage", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("storage failure reported as ErrInvalid")
	}
}
