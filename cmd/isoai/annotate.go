package main

import (
	"context"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/isoai/isoai-client/internal/log"
	"github.com/isoai/isoai-client/pkg/annotator"
	"github.com/isoai/isoai-client/pkg/annotator/yunet"
	"github.com/isoai/isoai-client/pkg/protocol"
)

var (
	annotateAddr  string
	annotateModel string
	annotateLabel string
	annotateImage bool
)

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Run a local inference endpoint for development",
	Long: `Serves /ws/infer and POST /infer. With --model, faces are found by the
YuNet detector; otherwise every frame gets one fixed detection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnnotate(cmd.Context())
	},
}

func init() {
	annotateCmd.Flags().StringVar(&annotateAddr, "addr", "127.0.0.1:8090", "listen address")
	annotateCmd.Flags().StringVar(&annotateModel, "model", "", "YuNet ONNX model path")
	annotateCmd.Flags().StringVar(&annotateLabel, "label", protocol.UnknownLabel, "label for detected faces")
	annotateCmd.Flags().BoolVar(&annotateImage, "image", false, "reply with the frame annotated")
	rootCmd.AddCommand(annotateCmd)
}

func runAnnotate(ctx context.Context) error {
	logger := log.Component("annotate")

	var det annotator.Detector
	if annotateModel != "" {
		yc := yunet.DefaultConfig()
		yc.ModelPath = annotateModel
		yc.Label = annotateLabel
		y, err := yunet.New(yc)
		if err != nil {
			return err
		}
		det = y
	} else {
		det = &annotator.StaticDetector{Detections: []protocol.Detection{{
			Label:      annotateLabel,
			Similarity: 1,
			Box:        protocol.Box{X1: 40, Y1: 40, X2: 200, Y2: 200},
		}}}
	}

	opts := []annotator.Option{annotator.WithLogger(logger)}
	if annotateImage {
		opts = append(opts, annotator.WithAnnotatedImage(80))
	}
	srv := annotator.New(det, opts...)
	defer srv.Close()

	app := fiber.New(fiber.Config{
		AppName:               "isoai annotator",
		DisableStartupMessage: true,
		BodyLimit:             16 << 20,
	})
	srv.RegisterRoutes(app)

	ln, err := net.Listen("tcp", annotateAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", annotateAddr, err)
	}
	go func() {
		<-ctx.Done()
		app.Shutdown()
	}()

	logger.Info("annotator listening", "ws", "ws://"+ln.Addr().String()+"/ws/infer")
	return app.Listener(ln)
}
