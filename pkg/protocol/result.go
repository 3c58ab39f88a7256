package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UnknownLabel is the label inference servers use for unrecognized faces.
const UnknownLabel = "Unknown"

// Box is a rectangle in frame pixel coordinates: top-left (X1,Y1), bottom-right (X2,Y2).
// It is encoded as a JSON array [x1, y1, x2, y2].
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width (never negative).
func (b Box) Width() float64 {
	return max(b.X2-b.X1, 0)
}

// Height returns the box height (never negative).
func (b Box) Height() float64 {
	return max(b.Y2-b.Y1, 0)
}

// MarshalJSON implements json.Marshaler.
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON implements json.Unmarshaler. Extra trailing values are ignored.
func (b *Box) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	box, ok := boxFrom(v)
	if !ok {
		return fmt.Errorf("bounding box needs 4 values, got %d", len(v))
	}
	*b = box
	return nil
}

func boxFrom(v []float64) (Box, bool) {
	if len(v) < 4 {
		return Box{}, false
	}
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, true
}

// Detection is one reported region of interest within a frame.
type Detection struct {
	Label              string  `json:"label"`
	Similarity         float64 `json:"similarity"`
	Emotion            string  `json:"emotion,omitempty"`
	EmotionProbability float64 `json:"emotion_probability,omitempty"`
	Box                Box     `json:"bounding_box"`
}

// Known reports whether the detection carries a recognized identity.
func (d Detection) Known() bool {
	label := strings.TrimSpace(d.Label)
	return label != "" && !strings.EqualFold(label, UnknownLabel)
}

// Result is the normalized inbound payload: an optional replacement image
// plus the detections for the latest processed frame.
type Result struct {
	Image      string      `json:"image,omitempty"` // data URI, empty when not provided
	Detections []Detection `json:"faces"`
}

// Empty reports whether the result carries neither an image nor detections.
func (r *Result) Empty() bool {
	return r.Image == "" && len(r.Detections) == 0
}

// wireResult accepts both object shapes servers send.
type wireResult struct {
	Image    string      `json:"image"`
	Faces    []wireFace  `json:"faces"`
	Labels   []string    `json:"labels"`
	Bboxes   [][]float64 `json:"bboxes"`
	Emotions []string    `json:"emotions"`
}

type wireFace struct {
	Label              string    `json:"label"`
	Similarity         float64   `json:"similarity"`
	Emotion            string    `json:"emotion"`
	EmotionProbability float64   `json:"emotion_probability"`
	BoundingBox        []float64 `json:"bounding_box"`
}

// DecodeResult normalizes any of the inbound payload shapes:
//
//	"data:image/jpeg;base64,..."                       replacement image only
//	{"labels": [...], "bboxes": [[x1,y1,x2,y2,conf]], "emotions": [...]}
//	{"image": "...", "faces": [{label, similarity, emotion, emotion_probability, bounding_box}]}
//
// An empty or null payload decodes to an empty Result. Detections with
// malformed boxes are skipped.
func DecodeResult(raw json.RawMessage) (*Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Result{}, nil
	}

	switch trimmed[0] {
	case '"':
		var image string
		if err := json.Unmarshal(trimmed, &image); err != nil {
			return nil, fmt.Errorf("decode image result: %w", err)
		}
		return &Result{Image: image}, nil

	case '{':
		var w wireResult
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return w.normalize(), nil

	default:
		return nil, fmt.Errorf("decode result: unexpected payload starting with %q", trimmed[0])
	}
}

func (w *wireResult) normalize() *Result {
	res := &Result{Image: w.Image}

	for _, f := range w.Faces {
		box, ok := boxFrom(f.BoundingBox)
		if !ok {
			continue
		}
		res.Detections = append(res.Detections, Detection{
			Label:              f.Label,
			Similarity:         f.Similarity,
			Emotion:            f.Emotion,
			EmotionProbability: f.EmotionProbability,
			Box:                box,
		})
	}

	for i, bb := range w.Bboxes {
		box, ok := boxFrom(bb)
		if !ok {
			continue
		}
		d := Detection{Label: UnknownLabel, Box: box}
		if i < len(w.Labels) && w.Labels[i] != "" {
			d.Label = w.Labels[i]
		}
		if len(bb) >= 5 {
			d.Similarity = bb[4]
		}
		if i < len(w.Emotions) {
			d.Emotion = w.Emotions[i]
		}
		res.Detections = append(res.Detections, d)
	}

	return res
}
