package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/embedder"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

// PhotoInput is one photo to process. Width and Height are in pixels and may
// be zero when unknown.
type PhotoInput struct {
	UID     string
	Data    []byte
	Width   int
	Height  int
	TakenAt time.Time
}

// PhotoResult reports what happened to the faces of a photo.
type PhotoResult struct {
	PhotoUID string
	Skipped  bool // already processed earlier
	Faces    int
	Outcomes []clustering.Outcome
	// Resolved are deferred faces settled by an eager Pass 2 run.
	Resolved []clustering.Outcome
}

// ProcessPhoto detects and embeds the faces of a photo, stores them and runs
// Pass 1. Photos that were processed before are skipped.
func (s *Service) ProcessPhoto(ctx context.Context, photo PhotoInput) (*PhotoResult, error) {
	if s.detector == nil {
		return nil, errors.New("no face detector configured")
	}
	done, err := s.store.IsFacesProcessed(ctx, photo.UID)
	if err != nil {
		return nil, fmt.Errorf("checking photo %s: %w", photo.UID, err)
	}
	if done {
		return &PhotoResult{PhotoUID: photo.UID, Skipped: true}, nil
	}

	resp, err := s.detector.DetectFaces(ctx, photo.Data)
	if err != nil {
		return nil, fmt.Errorf("detecting faces in %s: %w", photo.UID, err)
	}
	return s.ProcessDetections(ctx, photo, resp.Faces, resp.Model)
}

// ProcessDetections stores already embedded faces of a photo and runs Pass 1
// over them. When the deferral buffer reports pressure, Pass 2 runs eagerly.
func (s *Service) ProcessDetections(ctx context.Context, photo PhotoInput, detections []embedder.Detection, model string) (*PhotoResult, error) {
	s.refine.RLock()
	defer s.refine.RUnlock()

	done, err := s.store.IsFacesProcessed(ctx, photo.UID)
	if err != nil {
		return nil, fmt.Errorf("checking photo %s: %w", photo.UID, err)
	}
	if done {
		return &PhotoResult{PhotoUID: photo.UID, Skipped: true}, nil
	}

	faces := BuildFaces(photo, detections, model)
	err = s.stager.Exec(ctx, func(tx database.Store) error {
		if err := tx.SaveFaces(ctx, photo.UID, faces); err != nil {
			return err
		}
		return tx.MarkFacesProcessed(ctx, photo.UID, len(faces))
	})
	if err != nil {
		return nil, fmt.Errorf("storing faces of %s: %w", photo.UID, err)
	}

	for i := range faces {
		if !faces[i].Eligibility.CanCluster() {
			continue
		}
		if err := s.faces.Add(&faces[i]); err != nil {
			s.log.WithError(err).WithField("photo_uid", photo.UID).Warn("face left out of the face index")
		}
	}

	result := &PhotoResult{PhotoUID: photo.UID, Faces: len(faces)}
	result.Outcomes, err = s.pipeline.ProcessBatch(ctx, faces)
	for _, o := range result.Outcomes {
		if o.State == clustering.StateFailed {
			s.faces.Delete(o.FaceID)
		}
	}
	if err != nil {
		return result, fmt.Errorf("clustering faces of %s: %w", photo.UID, err)
	}

	if s.pipeline.NeedsResolution() {
		result.Resolved, err = s.pipeline.ResolveDeferred(ctx, false)
		if err != nil {
			return result, fmt.Errorf("resolving deferred faces: %w", err)
		}
	}

	if err := s.stager.MaybeFlush(ctx); err != nil {
		return result, err
	}

	s.log.WithFields(logging.Fields{
		"photo_uid": photo.UID,
		"faces":     len(faces),
		"resolved":  len(result.Resolved),
	}).Debug("photo processed")
	return result, nil
}

// duplicateIoU is the overlap above which two detections are the same face.
const duplicateIoU = 0.6

// BuildFaces converts detections into stored faces with quality, eligibility
// and pose filled in. Overlapping duplicate detections are dropped, keeping
// the higher scored one. Faces without an embedding are kept as display only.
func BuildFaces(photo PhotoInput, detections []embedder.Detection, model string) []database.StoredFace {
	faces := make([]database.StoredFace, 0, len(detections))
	for _, i := range distinctDetections(detections) {
		d := detections[i]
		in := QualityInputs(d, photo.Width)
		quality := facematch.QualityScore(in)
		eligibility := facematch.ClassifyEligibility(in, quality)
		if len(d.Embedding) == 0 && eligibility != facematch.EligibilityRejected {
			eligibility = facematch.EligibilityDisplayOnly
		}

		faces = append(faces, database.StoredFace{
			PhotoUID:    photo.UID,
			FaceIndex:   d.FaceIndex,
			Embedding:   d.Embedding,
			BBox:        d.BBox,
			DetScore:    d.DetScore,
			Model:       model,
			Dim:         len(d.Embedding),
			Quality:     quality,
			Yaw:         d.Yaw,
			Roll:        d.Roll,
			Eligibility: eligibility,
			Pose:        facematch.PoseFromAngles(d.Yaw),
			PhotoWidth:  photo.Width,
			PhotoHeight: photo.Height,
			TakenAt:     photo.TakenAt,
			Status:      initialStatus(eligibility),
		})
	}
	return faces
}

// QualityInputs maps a detection to the quality scorer inputs. Servers that
// do not measure sharpness or eye visibility report zero; the detection
// score stands in for them.
func QualityInputs(d embedder.Detection, photoWidth int) facematch.QualityInputs {
	in := facematch.QualityInputs{
		DetScore:      d.DetScore,
		Sharpness:     d.Sharpness,
		EyeVisibility: d.EyeVisibility,
		Yaw:           d.Yaw,
		Roll:          d.Roll,
		FaceWidthPx:   facematch.BBoxWidth(d.BBox),
		PhotoWidthPx:  float64(photoWidth),
	}
	if in.Sharpness == 0 {
		in.Sharpness = d.DetScore
	}
	if in.EyeVisibility == 0 {
		in.EyeVisibility = d.DetScore
	}
	return in
}

// distinctDetections returns the indices of detections that survive duplicate
// suppression, in detection order.
func distinctDetections(detections []embedder.Detection) []int {
	boxes := make([][]float64, len(detections))
	scores := make([]float64, len(detections))
	for i, d := range detections {
		boxes[i] = d.BBox
		scores[i] = d.DetScore
	}
	kept := facematch.SuppressDuplicates(boxes, scores, duplicateIoU)
	slices.Sort(kept)
	return kept
}

func initialStatus(e facematch.Eligibility) database.FaceStatus {
	switch {
	case e == facematch.EligibilityRejected:
		return database.FaceStatusRejected
	case !e.CanCluster():
		return database.FaceStatusDisplayOnly
	}
	return database.FaceStatusPending
}
