package main

import (
	"fmt"
	"log/slog"

	"github.com/isoai/isoai-client/internal/config"
	"github.com/isoai/isoai-client/pkg/api"
	"github.com/isoai/isoai-client/pkg/capture"
	"github.com/isoai/isoai-client/pkg/device"
	"github.com/isoai/isoai-client/pkg/device/webcam"
	"github.com/isoai/isoai-client/pkg/encoder"
	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/retry"
	"github.com/isoai/isoai-client/pkg/session"
	"github.com/isoai/isoai-client/pkg/transport"
)

// channelFactory builds a fresh channel per session from configuration.
func channelFactory(c config.Channel, logger *slog.Logger) (session.ChannelFactory, error) {
	mode, err := transport.ParseMode(c.TransportMode)
	if err != nil {
		return nil, err
	}
	events, err := protocol.ProfileByName(c.Profile)
	if err != nil {
		return nil, err
	}
	policy := retry.Exponential{
		Initial:     c.ReconnectInitial,
		Max:         c.ReconnectMax,
		Multiplier:  2,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	opts := []transport.Option{
		transport.WithEndpoint(c.Endpoint),
		transport.WithAuthHeaders(c.AuthHeaders),
		transport.WithMode(mode),
		transport.WithEvents(events),
		transport.WithReconnect(policy),
		transport.WithLogger(logger),
	}
	return func() (transport.Channel, error) {
		return transport.New(opts...)
	}, nil
}

// newDevice returns the configured camera, or a synthetic source with mock.
func newDevice(c config.Capture, mock bool, logger *slog.Logger) device.Device {
	if mock {
		return device.NewMockDevice(c.Width, c.Height)
	}
	return webcam.New(webcam.Config{Index: c.Device, Width: c.Width, Height: c.Height}, logger)
}

// sessionFactory wires one device, encoder and renderer into new sessions.
func sessionFactory(app *config.App, renderer *render.Renderer, mock bool, logger *slog.Logger) (func() (*session.Session, error), error) {
	enc, err := encoder.New(encoder.Config{
		Format:           encoder.Format(app.Capture.Format),
		Quality:          app.Capture.Quality,
		MaxSurfacePixels: encoder.DefaultMaxSurfacePixels,
	})
	if err != nil {
		return nil, err
	}
	newChannel, err := channelFactory(app.Channel, logger)
	if err != nil {
		return nil, err
	}
	dev := newDevice(app.Capture, mock, logger)

	sc := session.DefaultConfig()
	sc.Capture = capture.Config{Period: app.Capture.Period, Enabled: true}
	sc.Width, sc.Height = app.Capture.Width, app.Capture.Height
	return func() (*session.Session, error) {
		return session.New(sc, session.Deps{
			Device:     dev,
			Encoder:    enc,
			NewChannel: newChannel,
			Renderer:   renderer,
			Logger:     logger,
		})
	}, nil
}

// apiClient builds the records API client.
func apiClient(app *config.App, logger *slog.Logger) (*api.Client, error) {
	opts := []api.Option{
		api.WithBaseURL(app.APIBaseURL),
		api.WithTimeout(app.APITimeout),
		api.WithLogger(logger),
	}
	if app.APIToken != "" {
		opts = append(opts, api.WithToken(app.APIToken))
	}
	c, err := api.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("records API: %w", err)
	}
	return c, nil
}
