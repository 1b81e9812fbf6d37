package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/gridfeed-go/contracts"
)

const intensityBody = `{
  "data": [{
    "from": "2026-03-14T12:00Z",
    "to": "2026-03-14T12:30Z",
    "intensity": {"forecast": 195, "actual": 192, "index": "moderate"}
  }]
}`

const generationBody = `{
  "data": {
    "from": "2026-03-14T12:00Z",
    "to": "2026-03-14T12:30Z",
    "generationmix": [
      {"fuel": "gas", "perc": 38.1},
      {"fuel": "wind", "perc": 26.8},
      {"fuel": "nuclear", "perc": 17.5},
      {"fuel": "solar", "perc": 9.2},
      {"fuel": "imports", "perc": 6.4},
      {"fuel": "coal", "perc": 1.3}
    ]
  }
}`

func carbonServer(t *testing.T, path, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, path, r.URL.Path)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCarbonIntensityMapsCurrentPeriod(t *testing.T) {
	server := carbonServer(t, "/intensity", intensityBody)
	src := NewCarbonIntensitySource(NewClient("carbon", unlimited()), WithCarbonBaseURL(server.URL))

	payload, err := src.Fetch(context.Background())
	require.NoError(t, err)

	reading, ok := payload.(contracts.CarbonIntensity)
	require.True(t, ok)
	assert.Equal(t, 195, reading.Forecast)
	assert.Equal(t, 192, reading.Actual)
	assert.Equal(t, contracts.SeverityModerate, reading.Index)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), reading.From.UTC())
	assert.Equal(t, time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC), reading.To.UTC())

	// The envelope built from this reading routes as a carbon intensity event
	// and carries the numbers through its data section.
	env, err := contracts.NewEnvelope(src.Name(), payload)
	require.NoError(t, err)
	assert.Equal(t, contracts.TypeCarbonIntensity, env.Type)

	decoded, err := env.Payload()
	require.NoError(t, err)
	assert.Equal(t, 195, decoded.(contracts.CarbonIntensity).Forecast)
	assert.Equal(t, contracts.SeverityModerate, decoded.(contracts.CarbonIntensity).Index)
}

func TestCarbonIntensityRejectsEmptyData(t *testing.T) {
	server := carbonServer(t, "/intensity", `{"data":[]}`)
	src := NewCarbonIntensitySource(NewClient("carbon", unlimited()), WithCarbonBaseURL(server.URL))

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, Classify(err))
}

func TestCarbonIntensityRejectsUnknownIndex(t *testing.T) {
	body := `{"data":[{"from":"2026-03-14T12:00Z","to":"2026-03-14T12:30Z","intensity":{"forecast":100,"actual":90,"index":"apocalyptic"}}]}`
	server := carbonServer(t, "/intensity", body)
	src := NewCarbonIntensitySource(NewClient("carbon", unlimited()), WithCarbonBaseURL(server.URL))

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apocalyptic")
}

func TestCarbonIntensityRejectsBadTimestamp(t *testing.T) {
	body := `{"data":[{"from":"noon","to":"2026-03-14T12:30Z","intensity":{"forecast":100,"actual":90,"index":"low"}}]}`
	server := carbonServer(t, "/intensity", body)
	src := NewCarbonIntensitySource(NewClient("carbon", unlimited()), WithCarbonBaseURL(server.URL))

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, Classify(err))
}

func TestGenerationMixMapsFuelShares(t *testing.T) {
	server := carbonServer(t, "/generation", generationBody)
	src := NewGenerationMixSource(NewClient("generation", unlimited()), WithCarbonBaseURL(server.URL))

	payload, err := src.Fetch(context.Background())
	require.NoError(t, err)

	mix, ok := payload.(contracts.GenerationMix)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), mix.At.UTC())
	require.Len(t, mix.Mix, 6)
	assert.Equal(t, contracts.FuelShare{Fuel: "gas", Percentage: 38.1}, mix.Mix[0])
	assert.Equal(t, contracts.FuelShare{Fuel: "coal", Percentage: 1.3}, mix.Mix[5])

	env, err := contracts.NewEnvelope(src.Name(), payload)
	require.NoError(t, err)
	assert.Equal(t, contracts.TypeGenerationMix, env.Type)
}

func TestCarbonSourceDefaults(t *testing.T) {
	src := NewCarbonIntensitySource(NewClient("carbon"))
	assert.Equal(t, "carbon-intensity", src.Name())
	assert.Equal(t, DefaultCarbonInterval, src.Interval())

	gen := NewGenerationMixSource(NewClient("generation"), WithCarbonInterval(time.Minute))
	assert.Equal(t, "generation-mix", gen.Name())
	assert.Equal(t, time.Minute, gen.Interval())
}
