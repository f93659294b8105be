package main

import (
	"context"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/endpoint"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	router  string
	address string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Register an endpoint address and log the writes it receives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ec := cfg.Endpoint
		if cmd.Flags().Changed("router") {
			ec.RouterAddr = serveFlags.router
		}
		if cmd.Flags().Changed("address") {
			a, err := address.Parse(serveFlags.address)
			if err != nil {
				return err
			}
			ec.Address = a
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		handler := loggingHandler{next: endpoint.NewRecorder()}
		srv := endpoint.NewServer(
			ec.Address,
			handler,
			endpoint.NewSessionRegistrar(ec.RouterAddr, ec.Session),
			endpoint.Options{
				Interval: ec.PollInterval,
				Recorder: observability.NewLogRecorder(),
			},
		)
		if err := srv.Connect(ctx, ec.ConnectTimeout); err != nil {
			return err
		}
		log.Info().Str("addr", ec.Address.String()).Str("router", ec.RouterAddr).Msg("routerctl.serve registered")

		<-ctx.Done()
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := srv.Disconnect(disconnectCtx)
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.router, "router", "", "router session address")
	serveCmd.Flags().StringVar(&serveFlags.address, "address", "", "endpoint address to register (a.b.c.d.e.f:port)")
	rootCmd.AddCommand(serveCmd)
}

// loggingHandler logs every inbound write before recording it.
type loggingHandler struct {
	next *endpoint.Recorder
}

func (h loggingHandler) OnWrite(ctx context.Context, req protocol.WriteRequest) protocol.WriteResult {
	res := h.next.OnWrite(ctx, req)
	log.Info().
		Str("source", req.Source.String()).
		Uint32("invoke_id", req.InvokeID).
		Uint32("index_group", req.IndexGroup).
		Uint32("index_offset", req.IndexOffset).
		Str("data", h.next.Last()).
		Msg("routerctl.serve write")
	return res
}
