package dispatcher

// QualitySettings is the computed encode profile sent to a worker
// (spec.md §4.6.1).
type QualitySettings struct {
	CRF          int    `json:"crf"`
	Codec        string `json:"codec"`
	PixelFormat  string `json:"pixel_format"`
	AudioBitrate string `json:"audio_bitrate"`
	Preset       string `json:"preset"`
}

// qualityToCRF maps a template-declared quality tier to a base CRF.
// Lower CRF means higher quality (grounded on render_service.py's
// quality_to_crf table).
var qualityToCRF = map[string]int{
	"ultra":  15,
	"high":   18,
	"medium": 23,
	"low":    28,
	"draft":  32,
}

// presetAdjustment nudges CRF by preset speed: slower presets compress
// better, so they earn a lower final CRF for the same quality tier.
var presetAdjustment = map[string]int{
	"ultrafast": 4,
	"superfast": 3,
	"veryfast":  2,
	"faster":    1,
	"fast":      0,
	"medium":    0,
	"slow":      -1,
	"slower":    -2,
	"veryslow":  -3,
	"placebo":   -4,
}

// ComputeQualitySettings derives the CRF, audio bitrate, and pixel format
// from a template's declared quality + preset, clamping the final CRF to
// [10, 35] (spec.md §4.6.1).
func ComputeQualitySettings(quality, preset string) QualitySettings {
	base, ok := qualityToCRF[quality]
	if !ok {
		base = 23
	}
	adj := presetAdjustment[preset]

	crf := base + adj
	if crf < 10 {
		crf = 10
	}
	if crf > 35 {
		crf = 35
	}

	audioBitrate := "128k"
	if quality == "ultra" || quality == "high" {
		audioBitrate = "192k"
	}

	return QualitySettings{
		CRF:          crf,
		Codec:        "h264",
		PixelFormat:  "yuv420p",
		AudioBitrate: audioBitrate,
		Preset:       preset,
	}
}
