// Package workerpool implements the worker-pool chunked render
// dispatcher (spec.md §4.6.2): a video is split into frame-range
// chunks, each dispatched to one of several worker backends in
// parallel, polled to completion, then concatenated into one output.
// Grounded on worker_pool_service.py.
package workerpool

// FrameRange is one worker's share of the frame timeline.
type FrameRange struct {
	WorkerIndex int `json:"worker_index"`
	StartFrame  int `json:"start_frame"`
	EndFrame    int `json:"end_frame"`
	FrameCount  int `json:"frame_count"`
}

// CalculateFrameRanges divides durationInFrames into numWorkers
// contiguous chunks as evenly as possible, the leading remainder workers
// getting one extra frame each. The last valid frame index is always
// durationInFrames-1 (0-based); no chunk ever exceeds it. Transcribed
// exactly from worker_pool_service.py's calculate_frame_ranges.
func CalculateFrameRanges(durationInFrames, numWorkers int) []FrameRange {
	if numWorkers <= 0 || durationInFrames <= 0 {
		return nil
	}

	maxFrame := durationInFrames - 1
	framesPerWorker := durationInFrames / numWorkers
	remainder := durationInFrames % numWorkers

	ranges := make([]FrameRange, 0, numWorkers)
	currentFrame := 0

	for i := 0; i < numWorkers; i++ {
		extra := 0
		if i < remainder {
			extra = 1
		}
		endFrame := currentFrame + framesPerWorker + extra - 1
		if endFrame > maxFrame {
			endFrame = maxFrame
		}

		if currentFrame <= maxFrame {
			ranges = append(ranges, FrameRange{
				WorkerIndex: i,
				StartFrame:  currentFrame,
				EndFrame:    endFrame,
				FrameCount:  endFrame - currentFrame + 1,
			})
		}

		currentFrame = endFrame + 1
		if currentFrame > maxFrame {
			break
		}
	}

	return ranges
}

// DurationFromSpeechSegments sums each segment's duration (explicit
// "duration" field, else end-start across original_start/end_time/end
// fallbacks) and converts to frames at fps. Used for storytelling
// vlog/text-video modes whose total length isn't known until the
// tectonic-plate segmentation step has run. Transcribed from
// worker_pool_service.py's _calculate_duration_from_tectonic_plates.
func DurationFromSpeechSegments(segments []map[string]any, fps int) int {
	if len(segments) == 0 {
		return 0
	}
	if fps <= 0 {
		fps = 30
	}

	total := 0.0
	for _, seg := range segments {
		if d, ok := numField(seg, "duration"); ok {
			total += d
			continue
		}
		start := firstNumField(seg, "original_start", "start_time", "start")
		end := firstNumField(seg, "original_end", "end_time", "end")
		total += end - start
	}

	return int(total * float64(fps))
}

// DeriveDurationInFrames implements the three-tier duration-derivation
// order (spec.md §4.6.2): sum of speech-segment ("tectonic plate")
// durations is authoritative when present; otherwise fall back to the
// maximum end-time found across any track in the payload; otherwise
// fall back to the payload's own declared duration_in_frames.
func DeriveDurationInFrames(payload map[string]any, segments []map[string]any, fps int) int {
	if fps <= 0 {
		fps = 30
	}
	if d := DurationFromSpeechSegments(segments, fps); d > 0 {
		return d
	}
	if d := maxTrackEndFrame(payload, fps); d > 0 {
		return d
	}
	if d, ok := numField(payload, "duration_in_frames"); ok {
		return int(d)
	}
	return 0
}

// maxTrackEndFrame scans payload["tracks"] for the furthest "end_time"
// (or "end") value across any track entry, converting seconds to frames.
func maxTrackEndFrame(payload map[string]any, fps int) int {
	tracks, ok := payload["tracks"].(map[string]any)
	if !ok {
		return 0
	}
	maxEnd := 0.0
	var scan func(v any)
	scan = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if end, ok := numField(t, "end_time"); ok && end > maxEnd {
				maxEnd = end
			} else if end, ok := numField(t, "end"); ok && end > maxEnd {
				maxEnd = end
			}
			for _, vv := range t {
				scan(vv)
			}
		case []any:
			for _, vv := range t {
				scan(vv)
			}
		}
	}
	scan(tracks)
	return int(maxEnd * float64(fps))
}

func numField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func firstNumField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if n, ok := numField(m, k); ok {
			return n
		}
	}
	return 0
}
