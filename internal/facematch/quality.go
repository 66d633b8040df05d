package facematch

import "math"

// Face size filters: faces below either bound are too small to cluster.
const (
	// MinFaceWidthPx is the absolute minimum face width in pixels
	MinFaceWidthPx = 35

	// MinFaceWidthRel is the minimum face width relative to photo width (1%)
	MinFaceWidthRel = 0.01
)

// Eligibility tier floors on the 0-100 quality scale.
const (
	QualifiedAnchorQuality = 65
	ClusteringOnlyQuality  = 40
	DisplayOnlyQuality     = 15

	// QualifiedAnchorMaxYaw bounds head turn for anchors, in degrees.
	QualifiedAnchorMaxYaw = 45
	// QualifiedAnchorMinWidthPx is the minimum face width for anchors.
	QualifiedAnchorMinWidthPx = 80
)

// Yaw bounds of the pose categories, in degrees.
const (
	frontalMaxYaw = 15
	slightMaxYaw  = 45
)

// QualityInputs are the raw detector measurements of one face.
type QualityInputs struct {
	DetScore      float64 // detector confidence, 0-1
	Sharpness     float64 // normalized Laplacian variance, 0-1
	EyeVisibility float64 // 0-1
	Yaw           float64 // degrees, negative = left
	Roll          float64 // degrees
	FaceWidthPx   float64
	PhotoWidthPx  float64 // 0 when unknown
}

// QualityScore combines detector confidence (25%), sharpness (30%), pose
// frontalness (25%) and eye visibility (20%) into a 0-100 score.
func QualityScore(in QualityInputs) float64 {
	pose := (1 - math.Min(math.Abs(in.Yaw), 90)/90) * (1 - math.Min(math.Abs(in.Roll), 90)/90)
	score := 0.25*clamp(in.DetScore, 0, 1) +
		0.30*clamp(in.Sharpness, 0, 1) +
		0.25*pose +
		0.20*clamp(in.EyeVisibility, 0, 1)
	return math.Round(score*1000) / 10
}

// TooSmall reports whether a face fails the absolute or relative size filter.
func TooSmall(faceWidthPx, photoWidthPx float64) bool {
	if faceWidthPx < MinFaceWidthPx {
		return true
	}
	return photoWidthPx > 0 && faceWidthPx/photoWidthPx < MinFaceWidthRel
}

// ClassifyEligibility assigns the quality tier of a face.
func ClassifyEligibility(in QualityInputs, quality float64) Eligibility {
	switch {
	case TooSmall(in.FaceWidthPx, in.PhotoWidthPx):
		return EligibilityRejected
	case quality >= QualifiedAnchorQuality && math.Abs(in.Yaw) <= QualifiedAnchorMaxYaw && in.FaceWidthPx >= QualifiedAnchorMinWidthPx:
		return EligibilityQualifiedAnchor
	case quality >= ClusteringOnlyQuality:
		return EligibilityClusteringOnly
	case quality >= DisplayOnlyQuality:
		return EligibilityDisplayOnly
	}
	return EligibilityRejected
}

// PoseFromAngles buckets yaw (degrees, negative = left) into a pose category.
func PoseFromAngles(yaw float64) PoseCategory {
	a := math.Abs(yaw)
	switch {
	case a < frontalMaxYaw:
		return PoseFrontal
	case a <= slightMaxYaw && yaw < 0:
		return PoseSlightLeft
	case a <= slightMaxYaw:
		return PoseSlightRight
	case yaw < 0:
		return PoseProfileLeft
	}
	return PoseProfileRight
}
