// Package yunet detects faces with OpenCV's FaceDetectorYN.
package yunet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/isoai/isoai-client/pkg/protocol"
)

// Config holds detector configuration.
type Config struct {
	ModelPath        string  // Path to the ONNX model
	ConfidenceThresh float64 // Minimum face score
	NMSThresh        float64
	InputWidth       int
	InputHeight      int

	// Label is attached to every face; this detector does not recognize people.
	Label string
}

// DefaultConfig returns defaults for the 2023mar YuNet model.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.3,
		InputWidth:       320,
		InputHeight:      320,
		Label:            protocol.UnknownLabel,
	}
}

// Detector wraps gocv.FaceDetectorYN. Inference is serialized.
type Detector struct {
	detector gocv.FaceDetectorYN
	cfg      Config
	mu       sync.Mutex
	closed   bool
}

// New loads the model.
func New(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("yunet: model file: %w", err)
	}
	if cfg.Label == "" {
		cfg.Label = protocol.UnknownLabel
	}

	det := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		float32(cfg.NMSThresh),
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &Detector{detector: det, cfg: cfg}, nil
}

// Detect implements annotator.Detector. Boxes are in image pixels.
func (d *Detector) Detect(ctx context.Context, data []byte) ([]protocol.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("yunet: detector closed")
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("yunet: decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("yunet: empty image")
	}

	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(img, &faces)

	dets := make([]protocol.Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		// Columns: x, y, w, h, five landmark pairs, score.
		x := float64(faces.GetFloatAt(r, 0))
		y := float64(faces.GetFloatAt(r, 1))
		w := float64(faces.GetFloatAt(r, 2))
		h := float64(faces.GetFloatAt(r, 3))
		score := float64(faces.GetFloatAt(r, 14))

		dets = append(dets, protocol.Detection{
			Label:      d.cfg.Label,
			Similarity: score,
			Box:        protocol.Box{X1: x, Y1: y, X2: x + w, Y2: y + h},
		})
	}
	return dets, nil
}

// Close releases the model.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.detector.Close()
	return nil
}
