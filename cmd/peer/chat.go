package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/duochat/signal-server/internal/app"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/engine"
	"github.com/duochat/signal-server/internal/media"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/service"
	"github.com/duochat/signal-server/internal/ui"
)

var (
	chatID   string
	chatWith string
	chatWait bool
)

var errLeft = errors.New("left")

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Match with a partner and chat",
	Long: `Announce yourself, get paired and chat line by line.

Commands while chatting:
  /next   end this session and look for another partner
  /quit   end this session and go offline`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id := chatID
		if id == "" {
			id = "peer-" + uuid.NewString()[:8]
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ui.PrintInfo("You are " + id)

		lines := readLines(ctx)
		for {
			err := chatOnce(ctx, a, id, lines)
			if errors.Is(err, errLeft) || ctx.Err() != nil {
				if wErr := a.Presence.Withdraw(context.WithoutCancel(ctx), id); wErr != nil {
					ui.PrintWarning("withdraw: " + wErr.Error())
				}
				return nil
			}
			if err != nil {
				return err
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatID, "id", "", "participant id (random when empty)")
	chatCmd.Flags().StringVar(&chatWith, "with", "", "pair with this participant instead of a random one")
	chatCmd.Flags().BoolVar(&chatWait, "wait", false, "wait to be picked instead of requesting a match")
}

// chatOnce runs one session. It returns nil when the session ended and the
// caller should look for another partner.
func chatOnce(ctx context.Context, a *app.App, id string, lines <-chan string) error {
	transport, err := media.NewPeerTransport(media.NewConfiguration(a.Config.STUNURLs), id)
	if err != nil {
		return err
	}

	handlers := engine.Handlers{
		OnState: func(state model.SessionState) {
			fmt.Println(ui.State(string(state)))
			if state == model.SessionStateEstablished && !transport.Connected() {
				ui.PrintInfo("Signaling done, media still connecting")
			}
		},
		OnMessage: func(msg model.ChatMessage) {
			if msg.SenderID == id {
				return
			}
			fmt.Println(ui.ChatLine(msg.SenderID, false, msg.Content))
		},
		OnError: func(err error) {
			ui.PrintWarning(err.Error())
		},
	}

	call, err := startCall(ctx, a, id, transport, handlers)
	if err != nil {
		_ = transport.Close()
		return err
	}

	session, err := a.Pairing.ActiveSession(ctx, id)
	if err == nil && session != nil && session.ID == call.SessionID() {
		fmt.Println(ui.SessionBox(session.ID, session.PeerOf(id), string(call.Role())))
	}

	for {
		select {
		case <-ctx.Done():
			endCall(call, model.EndReasonDisconnected, false)
			return ctx.Err()
		case <-call.Done():
			ui.PrintInfo("Session ended, looking for another partner")
			return nil
		case line, ok := <-lines:
			if !ok {
				endCall(call, model.EndReasonLeft, false)
				return errLeft
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/next":
				endCall(call, model.EndReasonNext, true)
				return nil
			case "/quit":
				endCall(call, model.EndReasonLeft, false)
				return errLeft
			}
			if _, err := call.Send(ctx, line); err != nil {
				ui.PrintWarning(err.Error())
				continue
			}
			fmt.Println(ui.ChatLine(id, true, line))
		}
	}
}

func startCall(ctx context.Context, a *app.App, id string, transport *media.PeerTransport, h engine.Handlers) (*engine.Call, error) {
	if chatWith != "" {
		if err := a.Presence.Announce(ctx, id); err != nil {
			return nil, err
		}
		session, err := a.Pairing.RequestDirectMatch(ctx, id, chatWith)
		if err != nil {
			return nil, err
		}
		return a.Engine.Join(ctx, session, id, transport, h)
	}

	if !chatWait {
		call, err := a.Engine.StartRandomChat(ctx, id, transport, h)
		if err == nil {
			return call, nil
		}
		if !apperrors.Is(err, apperrors.ErrCodeNoPartnersAvailable) {
			return nil, err
		}
	} else if err := a.Presence.Announce(ctx, id); err != nil {
		return nil, err
	}

	ui.PrintInfo("Waiting for a partner...")
	session, err := a.Engine.AwaitMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Engine.Join(ctx, session, id, transport, h)
}

func endCall(call *engine.Call, reason model.EndReason, rejoin bool) {
	_, err := call.End(context.Background(), service.EndOptions{Leave: !rejoin, Reason: reason})
	if err != nil && !apperrors.Is(err, apperrors.ErrCodeSessionNotActive) {
		ui.PrintWarning("end session: " + err.Error())
	}
}

// readLines feeds stdin lines until EOF. The channel is closed on EOF.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
