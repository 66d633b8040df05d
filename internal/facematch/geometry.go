package facematch

import (
	"cmp"
	"slices"
)

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// BBoxWidth returns the pixel width of an [x1, y1, x2, y2] box, or 0 for an invalid box.
func BBoxWidth(bbox []float64) float64 {
	if len(bbox) != 4 || bbox[2] < bbox[0] {
		return 0
	}
	return bbox[2] - bbox[0]
}

// SuppressDuplicates runs non-maximum suppression over detector boxes: boxes
// are visited by descending score and a box overlapping an already kept box
// by more than iouThreshold is dropped. It returns the kept indices in
// descending score order.
func SuppressDuplicates(boxes [][]float64, scores []float64, iouThreshold float64) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	score := func(i int) float64 {
		if i < len(scores) {
			return scores[i]
		}
		return 0
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(score(b), score(a))
	})

	kept := make([]int, 0, len(boxes))
	for _, i := range order {
		duplicate := false
		for _, k := range kept {
			if ComputeIoU(boxes[i], boxes[k]) > iouThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, i)
		}
	}
	return kept
}
