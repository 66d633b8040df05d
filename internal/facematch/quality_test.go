package facematch

import (
	"math"
	"testing"
)

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name     string
		in       QualityInputs
		expected float64
	}{
		{"perfect", QualityInputs{DetScore: 1, Sharpness: 1, EyeVisibility: 1}, 100},
		{"turned head", QualityInputs{DetScore: 0.8, Sharpness: 0.5, EyeVisibility: 1, Yaw: 45}, 67.5},
		{"inputs are clamped", QualityInputs{DetScore: 2, Sharpness: -1, EyeVisibility: 1}, 70},
		{"full profile", QualityInputs{Yaw: -90}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := QualityScore(tt.in); math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("QualityScore() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestTooSmall(t *testing.T) {
	tests := []struct {
		face, photo float64
		expected    bool
	}{
		{34, 0, true},
		{35, 0, false},
		{40, 6000, true},
		{70, 6000, false},
	}
	for _, tt := range tests {
		if result := TooSmall(tt.face, tt.photo); result != tt.expected {
			t.Errorf("TooSmall(%v, %v) = %v, want %v", tt.face, tt.photo, result, tt.expected)
		}
	}
}

func TestClassifyEligibility(t *testing.T) {
	tests := []struct {
		name     string
		in       QualityInputs
		quality  float64
		expected Eligibility
	}{
		{"too narrow", QualityInputs{FaceWidthPx: 30}, 90, EligibilityRejected},
		{"too small relative to photo", QualityInputs{FaceWidthPx: 100, PhotoWidthPx: 20000}, 90, EligibilityRejected},
		{"qualified anchor", QualityInputs{FaceWidthPx: 100, Yaw: 10}, 70, EligibilityQualifiedAnchor},
		{"turned too far for anchor", QualityInputs{FaceWidthPx: 100, Yaw: -50}, 70, EligibilityClusteringOnly},
		{"too small for anchor", QualityInputs{FaceWidthPx: 60}, 70, EligibilityClusteringOnly},
		{"clustering only", QualityInputs{FaceWidthPx: 100}, 45, EligibilityClusteringOnly},
		{"display only", QualityInputs{FaceWidthPx: 100}, 30, EligibilityDisplayOnly},
		{"low quality", QualityInputs{FaceWidthPx: 100}, 10, EligibilityRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := ClassifyEligibility(tt.in, tt.quality); result != tt.expected {
				t.Errorf("ClassifyEligibility() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestEligibilityCapabilities(t *testing.T) {
	tests := []struct {
		e            Eligibility
		found, joins bool
	}{
		{EligibilityQualifiedAnchor, true, true},
		{EligibilityClusteringOnly, false, true},
		{EligibilityDisplayOnly, false, false},
		{EligibilityRejected, false, false},
	}
	for _, tt := range tests {
		if tt.e.CanFoundCluster() != tt.found || tt.e.CanCluster() != tt.joins {
			t.Errorf("%s: CanFoundCluster=%v CanCluster=%v", tt.e, tt.e.CanFoundCluster(), tt.e.CanCluster())
		}
	}
}

func TestPoseFromAngles(t *testing.T) {
	tests := []struct {
		yaw      float64
		expected PoseCategory
	}{
		{0, PoseFrontal},
		{-14.9, PoseFrontal},
		{-15, PoseSlightLeft},
		{20, PoseSlightRight},
		{45, PoseSlightRight},
		{-60, PoseProfileLeft},
		{90, PoseProfileRight},
	}
	for _, tt := range tests {
		if result := PoseFromAngles(tt.yaw); result != tt.expected {
			t.Errorf("PoseFromAngles(%v) = %v, want %v", tt.yaw, result, tt.expected)
		}
	}
}
