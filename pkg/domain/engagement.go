package domain

import "math"

// EngagementInput is the per-proposal aggregate the score is computed from.
type EngagementInput struct {
	MaxScrollDepth    int     // 0..100
	AvgTimeOnPageSecs float64 // mean of time_spent durations
	SectionsViewed    int
	SectionsTotal     int
}

// Time contribution saturates here; reading past three minutes does not
// make a proposal more engaging.
const engagementTimeSaturationSecs = 180.0

// EngagementScore folds scroll depth, dwell time and section coverage into a
// 0..100 score: 40% scroll, 40% time, 20% sections.
func EngagementScore(in EngagementInput) int {
	scroll := clamp01(float64(in.MaxScrollDepth) / 100.0)
	dwell := clamp01(in.AvgTimeOnPageSecs / engagementTimeSaturationSecs)
	sections := 0.0
	if in.SectionsTotal > 0 {
		sections = clamp01(float64(in.SectionsViewed) / float64(in.SectionsTotal))
	}
	score := 40.0*scroll + 40.0*dwell + 20.0*sections
	return int(math.Round(score))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
