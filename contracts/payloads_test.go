package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity(t *testing.T) {
	t.Run("all five bands are valid and ordered", func(t *testing.T) {
		bands := []Severity{SeverityVeryLow, SeverityLow, SeverityModerate, SeverityHigh, SeverityVeryHigh}
		for i, b := range bands {
			assert.True(t, b.Valid())
			assert.Equal(t, i, b.Rank())
		}
	})

	t.Run("AtLeast follows band order", func(t *testing.T) {
		assert.True(t, SeverityHigh.AtLeast(SeverityModerate))
		assert.True(t, SeverityModerate.AtLeast(SeverityModerate))
		assert.False(t, SeverityLow.AtLeast(SeverityModerate))
		assert.True(t, SeverityVeryHigh.AtLeast(SeverityVeryLow))
	})

	t.Run("unknown band is invalid and never AtLeast", func(t *testing.T) {
		hazy := Severity("hazy")
		assert.False(t, hazy.Valid())
		assert.Equal(t, -1, hazy.Rank())
		assert.False(t, hazy.AtLeast(SeverityVeryLow))
		assert.False(t, SeverityVeryHigh.AtLeast(hazy))
	})
}

func TestCarbonIntensityValidate(t *testing.T) {
	valid := func() CarbonIntensity {
		from := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		return CarbonIntensity{From: from, To: from.Add(30 * time.Minute), Forecast: 100, Actual: 90, Index: SeverityLow}
	}

	t.Run("valid period passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("inverted period fails", func(t *testing.T) {
		p := valid()
		p.From, p.To = p.To, p.From
		assert.Error(t, p.Validate())
	})

	t.Run("zero period bounds fail", func(t *testing.T) {
		p := valid()
		p.To = time.Time{}
		assert.Error(t, p.Validate())
	})

	t.Run("negative reading fails", func(t *testing.T) {
		p := valid()
		p.Actual = -3
		assert.Error(t, p.Validate())
	})

	t.Run("unrecognized index band fails", func(t *testing.T) {
		p := valid()
		p.Index = "extremely mild"
		err := p.Validate()
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Contains(t, err.Error(), "extremely mild")
	})
}

func TestGenerationMixValidate(t *testing.T) {
	valid := func() GenerationMix {
		return GenerationMix{
			At: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Mix: []FuelShare{
				{Fuel: "wind", Percentage: 41.2},
				{Fuel: "gas", Percentage: 30.1},
				{Fuel: "nuclear", Percentage: 14.5},
				{Fuel: "solar", Percentage: 8.9},
				{Fuel: "imports", Percentage: 5.3},
			},
		}
	}

	t.Run("realistic mix passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("empty mix fails", func(t *testing.T) {
		p := valid()
		p.Mix = nil
		assert.Error(t, p.Validate())
	})

	t.Run("share out of range fails", func(t *testing.T) {
		p := valid()
		p.Mix[0].Percentage = 140
		assert.Error(t, p.Validate())
	})

	t.Run("sum far from 100 fails", func(t *testing.T) {
		p := GenerationMix{
			At:  time.Now().UTC(),
			Mix: []FuelShare{{Fuel: "wind", Percentage: 12}},
		}
		assert.Error(t, p.Validate())
	})

	t.Run("rounding drift is tolerated", func(t *testing.T) {
		p := valid()
		p.Mix[0].Percentage += 3.5
		assert.NoError(t, p.Validate())
	})
}

func TestWeatherCurrentValidate(t *testing.T) {
	valid := func() WeatherCurrent {
		return WeatherCurrent{
			Location:    "Stockholm",
			Latitude:    59.33,
			Longitude:   18.07,
			ObservedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Temperature: -1.5,
			FeelsLike:   -6.0,
			Humidity:    82,
			Pressure:    1013,
			WindSpeed:   4.2,
			WindDeg:     270,
			Condition:   "Snow",
			Description: "light snow",
		}
	}

	t.Run("valid observation passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("latitude out of range fails", func(t *testing.T) {
		p := valid()
		p.Latitude = 95
		assert.Error(t, p.Validate())
	})

	t.Run("humidity out of range fails", func(t *testing.T) {
		p := valid()
		p.Humidity = 130
		assert.Error(t, p.Validate())
	})

	t.Run("negative wind speed fails", func(t *testing.T) {
		p := valid()
		p.WindSpeed = -1
		assert.Error(t, p.Validate())
	})
}

func TestDecodePayload(t *testing.T) {
	t.Run("decodes carbon intensity by tag", func(t *testing.T) {
		data := []byte(`{"from":"2025-03-01T12:00:00Z","to":"2025-03-01T12:30:00Z","forecast":195,"actual":192,"index":"moderate"}`)
		p, err := DecodePayload(TypeCarbonIntensity, data)
		require.NoError(t, err)

		ci, ok := p.(CarbonIntensity)
		require.True(t, ok)
		assert.Equal(t, 195, ci.Forecast)
		assert.Equal(t, 192, ci.Actual)
		assert.Equal(t, SeverityModerate, ci.Index)
	})

	t.Run("decodes generation mix by tag", func(t *testing.T) {
		data := []byte(`{"at":"2025-03-01T12:00:00Z","mix":[{"fuel":"wind","percentage":55.5},{"fuel":"gas","percentage":44.5}]}`)
		p, err := DecodePayload(TypeGenerationMix, data)
		require.NoError(t, err)

		gm, ok := p.(GenerationMix)
		require.True(t, ok)
		require.Len(t, gm.Mix, 2)
		assert.Equal(t, "wind", gm.Mix[0].Fuel)
		assert.Equal(t, 55.5, gm.Mix[0].Percentage)
	})

	t.Run("decodes weather by tag", func(t *testing.T) {
		data := []byte(`{"location":"Stockholm","latitude":59.33,"longitude":18.07,"observedAt":"2025-03-01T12:00:00Z","temperature":-1.5,"feelsLike":-6,"humidity":82,"pressure":1013,"windSpeed":4.2,"windDeg":270,"condition":"Snow","description":"light snow"}`)
		p, err := DecodePayload(TypeWeatherCurrent, data)
		require.NoError(t, err)

		w, ok := p.(WeatherCurrent)
		require.True(t, ok)
		assert.Equal(t, "Stockholm", w.Location)
		assert.Equal(t, -1.5, w.Temperature)
	})

	t.Run("unknown tag yields UnknownPayload with raw bytes", func(t *testing.T) {
		data := []byte(`{"anything":"goes"}`)
		p, err := DecodePayload("feed.tide.height", data)
		require.NoError(t, err)

		u, ok := p.(UnknownPayload)
		require.True(t, ok)
		assert.Equal(t, "feed.tide.height", u.Kind())
		assert.JSONEq(t, string(data), string(u.Raw))
		assert.Error(t, u.Validate())
	})

	t.Run("shape never overrides the tag", func(t *testing.T) {
		// Weather-shaped data under an unknown tag stays unknown.
		data := []byte(`{"location":"Oslo","latitude":59.9,"longitude":10.7}`)
		p, err := DecodePayload("feed.weather.v2", data)
		require.NoError(t, err)
		_, ok := p.(UnknownPayload)
		assert.True(t, ok)
	})

	t.Run("unparseable data for a known tag is an error", func(t *testing.T) {
		p, err := DecodePayload(TypeCarbonIntensity, []byte(`{"forecast":"lots"}`))
		assert.Nil(t, p)
		assert.Error(t, err)
	})
}
