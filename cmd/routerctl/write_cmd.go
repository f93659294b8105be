package main

import (
	"fmt"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/client"
	"github.com/spf13/cobra"
)

var writeFlags struct {
	router string
	source string
	group  uint32
	offset uint32
}

var writeCmd = &cobra.Command{
	Use:   "write <target> <data>",
	Short: "Send one write to an address and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := cfg.Client
		if cmd.Flags().Changed("router") {
			cc.RouterAddr = writeFlags.router
		}
		if cmd.Flags().Changed("source") {
			a, err := address.Parse(writeFlags.source)
			if err != nil {
				return err
			}
			cc.Source = a
		}
		target, err := address.Parse(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		tr := client.NewSessionTransport(cc.RouterAddr, cc.Source, cc.Session)
		defer tr.Close()
		if err := tr.Connect(ctx, cc.ConnectTimeout); err != nil {
			return err
		}
		res, err := client.New(cc.Source, tr).Write(ctx, target, writeFlags.group, writeFlags.offset, []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.String())
		if res.Failed() {
			return fmt.Errorf("write to %s failed: %s", target, res.Code)
		}
		return nil
	},
}

func init() {
	writeCmd.Flags().StringVar(&writeFlags.router, "router", "", "router session address")
	writeCmd.Flags().StringVar(&writeFlags.source, "source", "", "source address (a.b.c.d.e.f:port)")
	writeCmd.Flags().Uint32Var(&writeFlags.group, "group", 0, "index group")
	writeCmd.Flags().Uint32Var(&writeFlags.offset, "offset", 0, "index offset")
	rootCmd.AddCommand(writeCmd)
}
