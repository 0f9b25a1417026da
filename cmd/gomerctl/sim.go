package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/gomerlink/internal/simdevice"
	"github.com/sheerbytes/gomerlink/internal/transport"
)

func newSimCmd(a *app) *cobra.Command {
	var (
		name     string
		addr     string
		firmware string
		fps      int
	)
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated robot on this host",
		Long: "Run a software robot that answers discovery probes, sessions, control messages,\n" +
			"uploads and video requests over UDP, for trying gomerctl without hardware.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n := transport.NewUDPNetwork(a.logger)
			pc, err := n.ListenPacket(ctx, addr)
			if err != nil {
				return err
			}
			defer pc.Close()

			opts := []simdevice.Option{
				simdevice.WithLogger(a.logger),
				simdevice.WithVersion(firmware),
			}
			if fps > 0 {
				opts = append(opts, simdevice.WithVideo(a.cfg.Video.Width, a.cfg.Video.Height, fps))
			}
			dev := simdevice.New(pc, name, opts...)
			fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", dev.Name(), dev.Addr())
			go func() {
				for f := range dev.Files() {
					a.logger.Info("file stored", "name", f.Name, "type", f.FileType, "bytes", len(f.Data), "chunks", f.Chunks)
				}
			}()
			go func() {
				for m := range dev.Messages() {
					a.logger.Debug("message", "payload", string(m))
				}
			}()
			if err := dev.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Gomer-Sim", "device name announced to probes")
	cmd.Flags().StringVar(&addr, "addr", ":20000", "UDP address to listen on")
	cmd.Flags().StringVar(&firmware, "firmware", "1.0.0", "firmware version reported to version queries")
	cmd.Flags().IntVar(&fps, "fps", 15, "test pattern frame rate while video is on; 0 disables video")
	return cmd
}
