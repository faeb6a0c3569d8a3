package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/handler/ws"
)

// send <recipient> <message>: encrypt to the recipient's registered key and
// wait for the gateway to accept it.
func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Encrypt and send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rec, err := newKeysClient(keysURL, token).Fetch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to fetch key for %s: %w", args[0], err)
			}
			pub, err := crypto.ParsePublicKey(rec.PublicKey)
			if err != nil {
				return err
			}
			env, err := crypto.Encrypt([]byte(args[1]), pub)
			if err != nil {
				return err
			}

			conn, err := dialGateway(ctx, gatewayURL, token)
			if err != nil {
				return err
			}
			defer conn.Close()

			id := uuid.New().String()
			if err := conn.WriteJSON(ws.Frame{
				Type:                ws.FrameMessage,
				MessageID:           id,
				Sender:              identity,
				Recipient:           args[0],
				CipherPayload:       env.CipherPayload,
				WrappedSymmetricKey: env.WrappedSymmetricKey,
			}); err != nil {
				return err
			}

			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetReadDeadline(deadline)
			}
			for {
				var f ws.Frame
				if err := conn.ReadJSON(&f); err != nil {
					return fmt.Errorf("no acknowledgement: %w", err)
				}
				if f.MessageID != id {
					continue
				}
				switch f.Type {
				case ws.FrameAck:
					fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
					return nil
				case ws.FrameError:
					return fmt.Errorf("%s: %s", f.Code, f.Error)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "time to wait for the gateway")
	return cmd
}

// listen: stay connected, decrypt and print every delivered message, and
// acknowledge it so it is not replayed.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Receive and decrypt messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireIdentity(); err != nil {
				return err
			}
			if err := requireToken(); err != nil {
				return err
			}
			priv, err := readPrivateKey(home, identity)
			if err != nil {
				return err
			}

			conn, err := dialGateway(cmd.Context(), gatewayURL, token)
			if err != nil {
				return err
			}
			defer conn.Close()

			return receive(conn, cmd.OutOrStdout(), func(env domain.HybridEnvelope) ([]byte, error) {
				return crypto.Decrypt(env, priv)
			})
		},
	}
}

func receive(conn *websocket.Conn, out io.Writer, decrypt func(domain.HybridEnvelope) ([]byte, error)) error {
	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		switch f.Type {
		case ws.FrameMessage:
			plaintext, err := decrypt(domain.HybridEnvelope{
				CipherPayload:       f.CipherPayload,
				WrappedSymmetricKey: f.WrappedSymmetricKey,
			})
			if err != nil {
				fmt.Fprintf(out, "[%s] undecryptable message %s: %v\n", f.Sender, f.MessageID, err)
			} else {
				fmt.Fprintf(out, "[%s] %s\n", f.Sender, plaintext)
			}
			if err := conn.WriteJSON(ws.Frame{Type: ws.FrameAck, MessageID: f.MessageID, Offset: f.Offset}); err != nil {
				return err
			}
		case ws.FrameError:
			fmt.Fprintf(out, "error %s: %s\n", f.Code, f.Error)
		}
	}
}
