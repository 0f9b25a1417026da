package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/gomerlink/internal/display"
	"github.com/sheerbytes/gomerlink/pkg/gomer"
)

var errNoDevice = errors.New("no device responded")

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search",
		Short: "Broadcast a probe and list responding devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Search(cmd.Context())
			if err != nil {
				return err
			}
			if res.Count() == 0 {
				return errNoDevice
			}
			out := cmd.OutOrStdout()
			for i, d := range res.Devices {
				fmt.Fprintf(out, "%d\t%s\t%s\n", i+1, d.Name, d.Addr)
			}
			return nil
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:     "send <json>",
		Short:   "Send one control message and print replies",
		Example: `  gomerctl send '{"seq":1,"msgtype":1,"motor":{"speed":3}}' --wait 2s`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.SendMessage(cmd.Context(), []byte(args[0])); err != nil {
				return err
			}
			sleep(cmd.Context(), wait)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to print replies before disconnecting")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		fileType uint16
		async    bool
	)
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a voice or image file",
		Long: "Upload a file to the device. Without --type the file type follows the suffix:\n" +
			"mp3/wav save a voice clip, jpg/jpeg/bmp/png save an image.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()

			var res gomer.TransferResult
			switch {
			case async:
				ft := gomer.FileType(fileType)
				if fileType == 0 {
					if ft, err = gomer.FileTypeForPath(args[0]); err != nil {
						return err
					}
				}
				res, err = uploadAsync(cmd.Context(), cmd.OutOrStdout(), c, ft, args[0])
				if err != nil {
					return err
				}
			case fileType == 0:
				res = c.Upload(cmd.Context(), args[0])
			default:
				res = c.SendFileBlock(cmd.Context(), gomer.FileType(fileType), args[0])
			}
			if !res.OK() {
				return fmt.Errorf("upload %s: %s: %w", args[0], res.Code, res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s: %d bytes in %d chunks, %s\n",
				args[0], res.Bytes, res.Chunks, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().Uint16Var(&fileType, "type", 0, "file type code (101 save voice, 102 save image, 201 play, 202/204 discard)")
	cmd.Flags().BoolVar(&async, "async", false, "upload in the background and report progress")
	return cmd
}

// uploadAsync starts a non-blocking upload and prints progress until the
// result callback fires.
func uploadAsync(ctx context.Context, out io.Writer, c *gomer.Client, ft gomer.FileType, path string) (gomer.TransferResult, error) {
	done := make(chan gomer.TransferResult, 1)
	if err := c.SendFileUnblock(ft, path, func(r gomer.TransferResult) { done <- r }); err != nil {
		return gomer.TransferResult{}, err
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r, nil
		case <-ticker.C:
			st := c.TransferProgress()
			fmt.Fprintf(out, "  %3.0f%% %d/%d chunks, %s elapsed, eta %s\n",
					st.Percent, st.ChunksDone, st.TotalChunks, st.Elapsed.Round(time.Second), st.ETA.Round(time.Second))
		case <-ctx.Done():
			_ = c.Disconnect()
			return <-done, nil
		}
	}
}

func newVideoCmd(a *app) *cobra.Command {
	var (
		withDisplay bool
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "video",
		Short: "Stream video from the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.connect(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if withDisplay {
				if err := c.OpenVideoAndDisplay(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "viewer at http://%s/\n", c.DisplayAddr())
				sleep(ctx, duration)
				return c.CloseVideoAndDisplay(context.Background())
			}

			var frames int
			err = c.OpenVideo(ctx, func(f gomer.Frame) {
				frames++
				if frames%30 == 1 {
					fmt.Fprintf(out, "frame %d %dx%d\n", f.Seq, f.Width, f.Height)
				}
			})
			if err != nil {
				return err
			}
			sleep(ctx, duration)
			if err := c.CloseVideo(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d frames\n", frames)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDisplay, "display", false, "serve frames to browser viewers instead of printing them")
	cmd.Flags().DurationVar(&duration, "for", 10*time.Second, "how long to stream; 0 streams until interrupted")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the device firmware version and check min_device_version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.CheckVersion(cmd.Context())
			if err != nil && !errors.Is(err, gomer.ErrVersionTooOld) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return err
		},
	}
}

// sleep waits for d, or until ctx is done when d is 0.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <display-addr>",
		Short: "Attach to a running display and print frame statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := display.DialViewer(ctx, args[0], a.logger)
			if err != nil {
				return err
			}
			defer v.Close()

			out := cmd.OutOrStdout()
			var frames int
			start := time.Now()
			err = v.ReadLoop(ctx, func(f gomer.Frame) {
				frames++
				if frames%30 == 1 {
					fps := float64(frames) / time.Since(start).Seconds()
					fmt.Fprintf(out, "frame %d %dx%d %.1f fps\n", f.Seq, f.Width, f.Height, fps)
				}
			})
			fmt.Fprintf(out, "%d frames\n", frames)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
