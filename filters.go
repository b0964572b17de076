package shoukaku

// FilterOptions is the complete effect chain of a player. The node
// does not support partial filter merges, so the chain is always
// pushed as one object: nil members serialize as explicit nulls,
// meaning "filter disabled".
type FilterOptions struct {
	Volume     *float64            `json:"volume"`
	Equalizer  []Band              `json:"equalizer"`
	Karaoke    *KaraokeSettings    `json:"karaoke"`
	Timescale  *TimescaleSettings  `json:"timescale"`
	Tremolo    *FreqSettings       `json:"tremolo"`
	Vibrato    *FreqSettings       `json:"vibrato"`
	Rotation   *RotationSettings   `json:"rotation"`
	Distortion *DistortionSettings `json:"distortion"`
	ChannelMix *ChannelMixSettings `json:"channelMix"`
	LowPass    *LowPassSettings    `json:"lowPass"`
}

// Band sets the gain of one of the fifteen equalizer bands.
type Band struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type KaraokeSettings struct {
	Level       float64 `json:"level,omitempty"`
	MonoLevel   float64 `json:"monoLevel,omitempty"`
	FilterBand  float64 `json:"filterBand,omitempty"`
	FilterWidth float64 `json:"filterWidth,omitempty"`
}

type TimescaleSettings struct {
	Speed float64 `json:"speed,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
}

// FreqSettings drives the tremolo and vibrato oscillators.
type FreqSettings struct {
	Frequency float64 `json:"frequency,omitempty"`
	Depth     float64 `json:"depth,omitempty"`
}

type RotationSettings struct {
	RotationHz float64 `json:"rotationHz,omitempty"`
}

type DistortionSettings struct {
	SinOffset float64 `json:"sinOffset,omitempty"`
	SinScale  float64 `json:"sinScale,omitempty"`
	CosOffset float64 `json:"cosOffset,omitempty"`
	CosScale  float64 `json:"cosScale,omitempty"`
	TanOffset float64 `json:"tanOffset,omitempty"`
	TanScale  float64 `json:"tanScale,omitempty"`
	Offset    float64 `json:"offset,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
}

type ChannelMixSettings struct {
	LeftToLeft   float64 `json:"leftToLeft,omitempty"`
	LeftToRight  float64 `json:"leftToRight,omitempty"`
	RightToLeft  float64 `json:"rightToLeft,omitempty"`
	RightToRight float64 `json:"rightToRight,omitempty"`
}

type LowPassSettings struct {
	Smoothing float64 `json:"smoothing,omitempty"`
}

// clearedFilters is the documented neutral chain: unity volume, empty
// equalizer, everything else off.
func clearedFilters() FilterOptions {
	volume := 1.0
	return FilterOptions{
		Volume:    &volume,
		Equalizer: []Band{},
	}
}
