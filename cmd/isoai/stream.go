package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/isoai/isoai-client/internal/log"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/session"
)

var (
	streamMock     bool
	streamDuration time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream the camera to the inference server and print results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd.Context())
	},
}

func init() {
	streamCmd.Flags().BoolVar(&streamMock, "mock", false, "use a synthetic camera")
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "stop after this long (0 runs until interrupted)")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.Component("stream")

	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	renderer := render.New(render.WithLogger(logger))
	newSession, err := sessionFactory(cfg, renderer, streamMock, logger)
	if err != nil {
		return err
	}
	sess, err := newSession()
	if err != nil {
		return err
	}

	cancelView := renderer.Subscribe(func(v render.View) {
		if v.Empty() {
			return
		}
		labels := make([]string, 0, len(v.Rows))
		for _, r := range v.Rows {
			labels = append(labels, r.Label)
		}
		fmt.Fprintf(os.Stdout, "%s  %d face(s)  %s\n",
			v.ReceivedAt.Format("15:04:05.000"), len(v.Rows), strings.Join(labels, ", "))
	})
	defer cancelView()

	ended := make(chan struct{})
	sess.OnStateChange(func(st session.State) {
		if st == session.Stopped {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	logger.Info("streaming", "session_id", sess.ID(), "endpoint", cfg.Channel.Endpoint)

	select {
	case <-ctx.Done():
	case <-ended:
		logger.Warn("session ended on its own", "session_id", sess.ID())
	}
	stopErr := sess.Stop()

	st := sess.Stats()
	logger.Info("stream finished",
		"frames_sent", st.FramesSent,
		"frames_dropped", st.FramesDropped,
		"results", st.Results,
		"reconnects", st.Channel.Reconnects,
		"device_lost", st.DeviceLost)

	return stopErr
}
