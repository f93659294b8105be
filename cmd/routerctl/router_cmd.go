package main

import (
	"strings"

	"github.com/danmuck/portroute/internal/auth"
	"github.com/danmuck/portroute/internal/config"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/router"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var routerFlags struct {
	listen string
	admin  string
	policy string
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the router session service and admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := cfg.Router
		if cmd.Flags().Changed("listen") {
			rc.ListenAddr = routerFlags.listen
		}
		if cmd.Flags().Changed("admin") {
			rc.AdminAddr = routerFlags.admin
		}
		if cmd.Flags().Changed("policy") {
			p, err := router.ParsePolicy(routerFlags.policy)
			if err != nil {
				return err
			}
			rc.Policy = p
		}
		return runRouter(cmd, rc)
	},
}

func init() {
	routerCmd.Flags().StringVar(&routerFlags.listen, "listen", "", "session listen address")
	routerCmd.Flags().StringVar(&routerFlags.admin, "admin", "", "admin HTTP address; empty disables it")
	routerCmd.Flags().StringVar(&routerFlags.policy, "policy", "", "unregister policy: strict|deferred")
	rootCmd.AddCommand(routerCmd)
}

func runRouter(cmd *cobra.Command, rc config.RouterConfig) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	observability.RegisterMetrics()
	r := router.New(router.Options{
		Name:          rc.Name,
		Policy:        rc.Policy,
		DeferredDelay: rc.DeferredDelay,
		Recorder:      observability.NewLogRecorder(),
	})
	r.Start()
	defer r.Stop()

	guard := auth.FromToken(cfg.Auth.Token)
	sc := router.DefaultServiceConfig()
	sc.ListenAddr = rc.ListenAddr
	sc.Session = rc.Session
	sc.Auth = guard
	svc := router.NewService(r, sc)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.ListenAndServe(ctx)
	})
	if addr := strings.TrimSpace(rc.AdminAddr); addr != "" {
		admin := router.NewAdmin(r, svc, router.AdminConfig{
			CORSOrigins: rc.CORSOrigins,
			Auth:        guard,
		})
		g.Go(func() error {
			return admin.ListenAndServe(ctx, addr)
		})
	}
	return g.Wait()
}
