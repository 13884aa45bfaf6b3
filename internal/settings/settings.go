// Package settings holds the NDVI dashboard's persisted preferences.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/UltraSive/kvstate/internal/config"
	"github.com/UltraSive/kvstate/internal/kv"
)

// Keys bound by Open, without the namespace prefix.
const (
	KeySelectedYear        = "selected-year"
	KeySelectedMonth       = "selected-month"
	KeySelectedFieldID     = "selected-field-id"
	KeyBackendURL          = "backend-url"
	KeyAPIKey              = "api-key"
	KeyMapCenter           = "map-center"
	KeyMapZoom             = "map-zoom"
	KeyShowFieldBoundaries = "show-field-boundaries"
	KeyShowNDVILayer       = "show-ndvi-layer"
	KeyManualBackendURL    = "manual-backend-url"
	KeyFieldsLastUpdated   = "fields-last-updated"
	KeyDebugLogs           = "debug-logs"
)

// MaxDebugLogs is how many entries AppendDebugLog keeps.
const MaxDebugLogs = 100

// DefaultMapCenter is the continental US as [longitude, latitude].
var DefaultMapCenter = [2]float64{-95.7129, 37.0902}

const DefaultMapZoom = 4

// Defaults seeds the backend settings from the environment.
type Defaults struct {
	BackendURL string `env:"NDVI_BACKEND_URL" envDefault:"http://localhost:8000"`
	APIKey     string `env:"NDVI_API_KEY"`
	Production bool   `env:"NDVI_PRODUCTION"`
}

func LoadDefaults() (Defaults, error) {
	var d Defaults
	if err := config.ParseEnv(&d); err != nil {
		return Defaults{}, err
	}
	return d, nil
}

// Settings is the set of bindings one dashboard instance works with.
type Settings struct {
	SelectedYear        *kv.Binding[int]
	SelectedMonth       *kv.Binding[*int]
	SelectedFieldID     *kv.Binding[*string]
	BackendURL          *kv.Binding[string]
	APIKey              *kv.Binding[string]
	MapCenter           *kv.Binding[[2]float64]
	MapZoom             *kv.Binding[float64]
	ShowFieldBoundaries *kv.Binding[bool]
	ShowNDVILayer       *kv.Binding[bool]
	ManualBackendURL    *kv.Binding[string]
	// FieldsLastUpdated is when the field list was last fetched.
	FieldsLastUpdated *kv.Binding[*string]
	DebugLogs         *kv.Binding[[]json.RawMessage]

	closers []func()
}

// Open binds every setting on store. The selected year defaults to the
// current year.
func Open(store *kv.Store, d Defaults) (*Settings, error) {
	s := &Settings{}
	var err error
	if s.SelectedYear, err = bind(s, store, KeySelectedYear, time.Now().Year(), kv.WithValidator(validYear)); err != nil {
		return nil, err
	}
	if s.SelectedMonth, err = bind[*int](s, store, KeySelectedMonth, nil, kv.WithValidator(validMonth)); err != nil {
		return nil, err
	}
	if s.SelectedFieldID, err = bind[*string](s, store, KeySelectedFieldID, nil); err != nil {
		return nil, err
	}
	if s.BackendURL, err = bind(s, store, KeyBackendURL, d.BackendURL); err != nil {
		return nil, err
	}
	if s.APIKey, err = bind(s, store, KeyAPIKey, d.APIKey); err != nil {
		return nil, err
	}
	if s.MapCenter, err = bind(s, store, KeyMapCenter, DefaultMapCenter, kv.WithValidator(validCenter)); err != nil {
		return nil, err
	}
	if s.MapZoom, err = bind(s, store, KeyMapZoom, float64(DefaultMapZoom), kv.WithValidator(validZoom)); err != nil {
		return nil, err
	}
	if s.ShowFieldBoundaries, err = bind(s, store, KeyShowFieldBoundaries, true); err != nil {
		return nil, err
	}
	if s.ShowNDVILayer, err = bind(s, store, KeyShowNDVILayer, true); err != nil {
		return nil, err
	}
	if s.ManualBackendURL, err = bind(s, store, KeyManualBackendURL, ""); err != nil {
		return nil, err
	}
	if s.FieldsLastUpdated, err = bind[*string](s, store, KeyFieldsLastUpdated, nil); err != nil {
		return nil, err
	}
	if s.DebugLogs, err = bind(s, store, KeyDebugLogs, []json.RawMessage{}); err != nil {
		return nil, err
	}
	return s, nil
}

func bind[T any](s *Settings, store *kv.Store, key string, def T, opts ...kv.BindOption[T]) (*kv.Binding[T], error) {
	b, err := kv.Bind(store, key, def, opts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}
	s.closers = append(s.closers, b.Close)
	return b, nil
}

// Close releases every binding.
func (s *Settings) Close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

// Snapshot is the current value of every setting.
type Snapshot struct {
	SelectedYear        int               `json:"selected-year"`
	SelectedMonth       *int              `json:"selected-month"`
	SelectedFieldID     *string           `json:"selected-field-id"`
	BackendURL          string            `json:"backend-url"`
	APIKey              string            `json:"api-key"`
	MapCenter           [2]float64        `json:"map-center"`
	MapZoom             float64           `json:"map-zoom"`
	ShowFieldBoundaries bool              `json:"show-field-boundaries"`
	ShowNDVILayer       bool              `json:"show-ndvi-layer"`
	ManualBackendURL    string            `json:"manual-backend-url"`
	FieldsLastUpdated   *string           `json:"fields-last-updated"`
	DebugLogs           []json.RawMessage `json:"debug-logs"`
}

func (s *Settings) Snapshot() Snapshot {
	return Snapshot{
		SelectedYear:        s.SelectedYear.Get(),
		SelectedMonth:       s.SelectedMonth.Get(),
		SelectedFieldID:     s.SelectedFieldID.Get(),
		BackendURL:          s.BackendURL.Get(),
		APIKey:              s.APIKey.Get(),
		MapCenter:           s.MapCenter.Get(),
		MapZoom:             s.MapZoom.Get(),
		ShowFieldBoundaries: s.ShowFieldBoundaries.Get(),
		ShowNDVILayer:       s.ShowNDVILayer.Get(),
		ManualBackendURL:    s.ManualBackendURL.Get(),
		FieldsLastUpdated:   s.FieldsLastUpdated.Get(),
		DebugLogs:           s.DebugLogs.Get(),
	}
}

// AppendDebugLog adds entry to the debug log, dropping the oldest entries
// beyond MaxDebugLogs.
func (s *Settings) AppendDebugLog(entry json.RawMessage) {
	s.DebugLogs.Update(func(cur []json.RawMessage) []json.RawMessage {
		next := append(append(make([]json.RawMessage, 0, len(cur)+1), cur...), entry)
		if len(next) > MaxDebugLogs {
			next = next[len(next)-MaxDebugLogs:]
		}
		return next
	})
}

// TileURL is the NDVI tile template for the selected field and period: the
// annual composite when month is nil, the monthly one otherwise.
func TileURL(backendURL, fieldID string, year int, month *int) string {
	base := strings.TrimRight(backendURL, "/") + "/api/tiles/ndvi"
	if month == nil {
		return fmt.Sprintf("%s/annual/%s/%d/{z}/{x}/{y}.png", base, url.PathEscape(fieldID), year)
	}
	return fmt.Sprintf("%s/month/%s/%d/%d/{z}/{x}/{y}.png", base, url.PathEscape(fieldID), year, *month)
}

func validYear(y int) error {
	if y < 1984 || y > 9999 {
		return fmt.Errorf("year %d out of range", y)
	}
	return nil
}

func validMonth(m *int) error {
	if m != nil && (*m < 1 || *m > 12) {
		return fmt.Errorf("month %d out of range", *m)
	}
	return nil
}

func validCenter(c [2]float64) error {
	if c[0] < -180 || c[0] > 180 || c[1] < -90 || c[1] > 90 {
		return fmt.Errorf("map center %v out of range", c)
	}
	return nil
}

func validZoom(z float64) error {
	if z < 0 || z > 24 {
		return errors.New("map zoom out of range")
	}
	return nil
}

// CurrentTileURL is TileURL for the persisted selection. ok is false until a
// field is selected.
func (s *Settings) CurrentTileURL() (tileURL string, ok bool) {
	field := s.SelectedFieldID.Get()
	if field == nil || *field == "" {
		return "", false
	}
	return TileURL(s.BackendURL.Get(), *field, s.SelectedYear.Get(), s.SelectedMonth.Get()), true
}

// Check validates the persisted backend URL and API key.
func (s *Settings) Check(production bool) Report {
	return Check(s.BackendURL.Get(), s.APIKey.Get(), production)
}
