// Package annotator is a local inference endpoint for development and tests.
// It accepts frame envelopes over a websocket or plain POST, runs a Detector
// on the decoded image and replies with a result envelope.
package annotator

import (
	"context"
	"slices"

	"github.com/isoai/isoai-client/pkg/protocol"
)

// Detector finds faces in an encoded image.
type Detector interface {
	// Detect returns detections in pixel coordinates of the image.
	Detect(ctx context.Context, img []byte) ([]protocol.Detection, error)

	// Close releases resources.
	Close() error
}

// StaticDetector returns the same detections for every image.
type StaticDetector struct {
	Detections []protocol.Detection
	Err        error
}

// Detect implements Detector.
func (d *StaticDetector) Detect(context.Context, []byte) ([]protocol.Detection, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return slices.Clone(d.Detections), nil
}

// Close implements Detector.
func (d *StaticDetector) Close() error {
	return nil
}
