package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isoai/isoai-client/internal/log"
	"github.com/isoai/isoai-client/pkg/prefs"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/web"
)

var (
	dashboardPort   int
	dashboardStatic string
	dashboardNoAuth bool
	dashboardMock   bool
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the operator dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDashboard(cmd.Context(), cmd.Flags().Changed("port"))
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardPort, "port", 0, "listen port (default from PORT)")
	dashboardCmd.Flags().StringVar(&dashboardStatic, "static", "", "directory of static dashboard assets")
	dashboardCmd.Flags().BoolVar(&dashboardNoAuth, "no-auth", false, "disable the login gate")
	dashboardCmd.Flags().BoolVar(&dashboardMock, "mock", false, "use a synthetic camera")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(ctx context.Context, portSet bool) error {
	if portSet {
		cfg.DashboardPort = dashboardPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.Component("dashboard")

	renderer := render.New(render.WithLogger(logger))
	newSession, err := sessionFactory(cfg, renderer, dashboardMock, logger)
	if err != nil {
		return err
	}
	client, err := apiClient(cfg, logger)
	if err != nil {
		return err
	}
	store, err := prefs.NewJSONStore(cfg.PrefsPath, logger)
	if err != nil {
		return err
	}

	wc := web.DefaultConfig()
	wc.Addr = fmt.Sprintf(":%d", cfg.DashboardPort)
	wc.StaticDir = dashboardStatic
	wc.Auth = !dashboardNoAuth

	srv, err := web.NewServer(wc, web.Deps{
		Renderer:   renderer,
		NewSession: newSession,
		API:        client,
		Prefs:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	logger.Info("dashboard starting", "url", fmt.Sprintf("http://localhost:%d", cfg.DashboardPort))
	return srv.Run(ctx)
}
