package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fiasco-engine/ipc/pkg/types"
)

var (
	probeHost    string
	probeText    bool
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe <port>",
	Short: "Connect to a listening port, send stdin lines and print replies",
	Long: `probe dials ws://<host>:<port>/ and sends every line read from stdin as one
message. Each message received is printed on its own line. The probe exits
when stdin ends, the broker closes the channel, or on Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeHost, "host", "127.0.0.1", "Broker host")
	probeCmd.Flags().BoolVar(&probeText, "text", false, "Send text frames instead of binary")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "Handshake timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || port == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid port %q", args[0]))
	}

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", probeHost, port), Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: probeTimeout}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to connect to "+u.String(), err)
	}
	defer ws.Close()
	fmt.Fprintf(cmd.ErrOrStderr(), "connected to %s\n", u.String())

	return probe(ctx, ws, cmd.InOrStdin(), cmd.OutOrStdout())
}

// probe pumps lines from in to ws and replies from ws to out until either
// side ends
func probe(ctx context.Context, ws *websocket.Conn, in io.Reader, out io.Writer) error {
	messageType := websocket.BinaryMessage
	if probeText {
		messageType = websocket.TextMessage
	}

	g, gctx := errgroup.WithContext(ctx)
	readerDone := make(chan struct{})

	g.Go(func() error {
		defer close(readerDone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				if gctx.Err() != nil {
					return nil
				}
				return types.WrapError(types.ErrCodeUnavailable, "connection lost", err)
			}
			fmt.Fprintln(out, string(data))
		}
	})

	g.Go(func() error {
		lines := make(chan string)
		scanErr := make(chan error, 1)
		go func() {
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-readerDone:
					return
				}
			}
			scanErr <- scanner.Err()
		}()

		for {
			select {
			case line := <-lines:
				if err := ws.WriteMessage(messageType, []byte(line)); err != nil {
					return types.WrapError(types.ErrCodeUnavailable, "send failed", err)
				}
			case err := <-scanErr:
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			case <-readerDone:
				return nil
			case <-gctx.Done():
				_ = ws.Close()
				return nil
			}
		}
	})

	return g.Wait()
}
