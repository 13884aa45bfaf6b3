package settings

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/UltraSive/kvstate/internal/datastore"
	"github.com/UltraSive/kvstate/internal/kv"
	"github.com/UltraSive/kvstate/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func openShared(t *testing.T) (*storage.Shared, *datastore.Memory) {
	t.Helper()
	ds := datastore.NewMemory()
	shared := storage.NewShared(ds)
	t.Cleanup(func() {
		shared.Close()
		_ = ds.Close()
	})
	return shared, ds
}

func openSettings(t *testing.T, shared *storage.Shared, d Defaults) *Settings {
	t.Helper()
	store := kv.New(shared.Open())
	s, err := Open(store, d)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.Close()
	})
	return s
}

func TestDefaults(t *testing.T) {
	shared, _ := openShared(t)
	s := openSettings(t, shared, Defaults{BackendURL: "http://localhost:8000"})

	snap := s.Snapshot()
	assert.Equal(t, time.Now().Year(), snap.SelectedYear)
	assert.Nil(t, snap.SelectedMonth)
	assert.Nil(t, snap.SelectedFieldID)
	assert.Equal(t, "http://localhost:8000", snap.BackendURL)
	assert.Equal(t, "", snap.APIKey)
	assert.Equal(t, [2]float64{-95.7129, 37.0902}, snap.MapCenter)
	assert.Equal(t, 4.0, snap.MapZoom)
	assert.True(t, snap.ShowFieldBoundaries)
	assert.True(t, snap.ShowNDVILayer)
	assert.Equal(t, "", snap.ManualBackendURL)
	assert.Nil(t, snap.FieldsLastUpdated)
	assert.Empty(t, snap.DebugLogs)
	assert.NotNil(t, snap.DebugLogs)
}

func TestDashboardKeys(t *testing.T) {
	shared, ds := openShared(t)
	require.NoError(t, ds.Put(kv.NamespacedKey(KeyManualBackendURL), `"https://ndvi.example.com"`))
	require.NoError(t, ds.Put(kv.NamespacedKey(KeyFieldsLastUpdated), `"2024-05-01T12:00:00Z"`))
	s := openSettings(t, shared, Defaults{})

	snap := s.Snapshot()
	assert.Equal(t, "https://ndvi.example.com", snap.ManualBackendURL)
	assert.Equal(t, strPtr("2024-05-01T12:00:00Z"), snap.FieldsLastUpdated)

	for i := 0; i < MaxDebugLogs+5; i++ {
		s.AppendDebugLog(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	logs := s.DebugLogs.Get()
	require.Len(t, logs, MaxDebugLogs)
	assert.JSONEq(t, `{"n":5}`, string(logs[0]))
	assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, MaxDebugLogs+4), string(logs[len(logs)-1]))

	raw, ok, err := ds.Get(kv.NamespacedKey(KeyDebugLogs))
	require.NoError(t, err)
	require.True(t, ok)
	var stored []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Len(t, stored, MaxDebugLogs)
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("NDVI_BACKEND_URL", "https://ndvi.example.com")
	t.Setenv("NDVI_API_KEY", "k-12345678")
	t.Setenv("NDVI_PRODUCTION", "true")

	d, err := LoadDefaults()
	require.NoError(t, err)
	assert.Equal(t, Defaults{BackendURL: "https://ndvi.example.com", APIKey: "k-12345678", Production: true}, d)
}

func TestStoredValuesAndRejectedShapes(t *testing.T) {
	shared, ds := openShared(t)
	require.NoError(t, ds.Put("spark-kv:selected-year", "2022"))
	require.NoError(t, ds.Put("spark-kv:selected-month", "13"))
	require.NoError(t, ds.Put("spark-kv:selected-field-id", `"field-7"`))
	require.NoError(t, ds.Put("spark-kv:map-center", `{"lat":1,"lng":2}`))
	require.NoError(t, ds.Put("spark-kv:map-zoom", "99"))
	require.NoError(t, ds.Put("spark-kv:show-ndvi-layer", "false"))

	s := openSettings(t, shared, Defaults{BackendURL: "http://localhost:8000"})
	snap := s.Snapshot()
	assert.Equal(t, 2022, snap.SelectedYear)
	assert.Nil(t, snap.SelectedMonth, "month outside 1-12 reads as default")
	assert.Equal(t, strPtr("field-7"), snap.SelectedFieldID)
	assert.Equal(t, DefaultMapCenter, snap.MapCenter, "object is not a coordinate pair")
	assert.Equal(t, 4.0, snap.MapZoom)
	assert.False(t, snap.ShowNDVILayer)
}

func TestSelectionFollowsOtherContext(t *testing.T) {
	shared, ds := openShared(t)
	tab1 := openSettings(t, shared, Defaults{BackendURL: "http://localhost:8000"})
	tab2 := openSettings(t, shared, Defaults{BackendURL: "http://localhost:8000"})

	tab1.SelectedYear.Set(2021)
	tab1.SelectedMonth.Set(intPtr(6))

	require.Eventually(t, func() bool {
		m := tab2.SelectedMonth.Get()
		return tab2.SelectedYear.Get() == 2021 && m != nil && *m == 6
	}, time.Second, 5*time.Millisecond)

	v, ok, err := ds.Get("spark-kv:selected-month")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "6", v)

	tab2.SelectedMonth.Set(nil)
	require.Eventually(t, func() bool { return tab1.SelectedMonth.Get() == nil }, time.Second, 5*time.Millisecond)
	v, _, _ = ds.Get("spark-kv:selected-month")
	assert.Equal(t, "null", v)
}

func TestCurrentTileURL(t *testing.T) {
	shared, _ := openShared(t)
	s := openSettings(t, shared, Defaults{BackendURL: "https://ndvi.example.com/"})

	_, ok := s.CurrentTileURL()
	assert.False(t, ok)

	s.SelectedFieldID.Set(strPtr("f1"))
	s.SelectedYear.Set(2023)
	u, ok := s.CurrentTileURL()
	require.True(t, ok)
	assert.Equal(t, "https://ndvi.example.com/api/tiles/ndvi/annual/f1/2023/{z}/{x}/{y}.png", u)

	s.SelectedMonth.Set(intPtr(7))
	u, _ = s.CurrentTileURL()
	assert.Equal(t, "https://ndvi.example.com/api/tiles/ndvi/month/f1/2023/7/{z}/{x}/{y}.png", u)
}

func TestTileURL(t *testing.T) {
	assert.Equal(t,
		"http://localhost:8000/api/tiles/ndvi/annual/north%2F40/2020/{z}/{x}/{y}.png",
		TileURL("http://localhost:8000", "north/40", 2020, nil))
	assert.Equal(t,
		"http://localhost:8000/api/tiles/ndvi/month/a/2020/12/{z}/{x}/{y}.png",
		TileURL("http://localhost:8000", "a", 2020, intPtr(12)))
}

func TestCheck(t *testing.T) {
	cases := []struct {
		name       string
		url, key   string
		production bool
		errors     []string
		warnings   []string
	}{
		{name: "local dev", url: "http://localhost:8000"},
		{name: "production https", url: "https://ndvi.example.com", key: "a8f3k2m9x7", production: true},
		{name: "missing url", url: "", errors: []string{"backend URL is not defined"}},
		{name: "not a url", url: "ndvi.example.com", errors: []string{"backend URL is not a valid URL"}},
		{name: "ftp", url: "ftp://example.com", errors: []string{"backend URL must use HTTP or HTTPS"}},
		{
			name: "localhost in production", url: "http://localhost:8000", production: true,
			warnings: []string{"using localhost backend URL in production", "using HTTP (not HTTPS) backend URL in production"},
		},
		{name: "short key", url: "https://x.io", key: "abc", errors: []string{"API key is too short (minimum 8 characters)"}},
		{name: "placeholder key", url: "https://x.io", key: "replace-me-please", errors: []string{"API key is a placeholder value"}},
		{name: "demo key", url: "https://x.io", key: "demo-key-123", warnings: []string{"API key appears to be a test/demo value"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Check(tc.url, tc.key, tc.production)
			assert.Equal(t, tc.errors, r.Errors)
			assert.Equal(t, tc.warnings, r.Warnings)
			assert.Equal(t, len(tc.errors) == 0, r.Valid())
		})
	}
}

func TestSettingsCheckUsesStoredValues(t *testing.T) {
	shared, _ := openShared(t)
	s := openSettings(t, shared, Defaults{BackendURL: "https://ndvi.example.com"})
	assert.True(t, s.Check(true).Valid())

	s.BackendURL.Set("not a url")
	assert.False(t, s.Check(false).Valid())
}

func TestOpenOnClosedStore(t *testing.T) {
	shared, _ := openShared(t)
	ctx := shared.Open()
	store := kv.New(ctx)
	store.Close()
	defer ctx.Close()

	_, err := Open(store, Defaults{})
	require.ErrorIs(t, err, kv.ErrClosed)
	assert.Contains(t, err.Error(), "bind selected-year")
}
