package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"meshroom/native/internal/api"
	"meshroom/native/internal/call"
	"meshroom/native/internal/config"
	"meshroom/native/internal/domain"
	"meshroom/native/internal/logging"
	"meshroom/native/internal/media"
	"meshroom/native/internal/mesh"
	sigclient "meshroom/native/internal/signal"
	"meshroom/native/internal/webrtc"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagRoom     string
	flagName     string
	flagSignal   string
	flagLogLevel string
)

const joinHelp = `Commands typed on stdin:
  /react <emoji>  send a reaction
  /mute           toggle the microphone
  /video          toggle the camera
  /who            list participants
  /leave          leave the room
Any other line is sent as a chat message.`

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and chat from stdin",
	Long: `Join a room and chat from stdin. A new room code is generated when
--room is omitted.

` + joinHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), os.Stdin, cmd.OutOrStdout())
	},
}

var roomIDCmd = &cobra.Command{
	Use:   "room-id",
	Short: "Print a new random room code",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := call.GenerateRoomID()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room code to join")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	joinCmd.Flags().StringVar(&flagSignal, "signal", "", "signaling server url (overrides MESHROOM_SIGNAL_URL)")
	joinCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides MESHROOM_LOG_LEVEL)")
	joinCmd.MarkFlagRequired("name")
}

func runJoin(parent context.Context, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	if flagSignal != "" {
		if err := os.Setenv("MESHROOM_SIGNAL_URL", flagSignal); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logging.Init(cfg.LogLevel)

	ctx, stop := ossignal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := cfg.ICEServers()
	if cfg.ICEURL != "" {
		fetched, err := api.NewClient().FetchICEServers(ctx, cfg.ICEURL)
		if err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("ICE servers unavailable, using STUN only")
		} else {
			servers = append(servers, fetched...)
		}
	}

	factory, err := webrtc.NewFactory(servers)
	if err != nil {
		return fmt.Errorf("create peer factory: %w", err)
	}
	transport, err := sigclient.NewWSTransport(cfg.SignalURL)
	if err != nil {
		return err
	}
	client := sigclient.NewClient(transport, sigclient.Options{
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})

	stream, err := localStream()
	if err != nil {
		return err
	}

	room := flagRoom
	if strings.TrimSpace(room) == "" {
		if room, err = call.GenerateRoomID(); err != nil {
			return err
		}
	}

	printer := &printer{out: out}
	client.Chat().Subscribe(func(m domain.ChatMessage) { printer.printf("%s: %s", m.UserName, m.Message) })
	client.Reactions().Subscribe(func(r domain.Reaction) { printer.printf("%s reacted %s", r.UserName, r.Emoji) })
	client.UserJoined().Subscribe(func(u domain.User) { printer.printf("* %s joined", u.Name) })
	client.UserLeft().Subscribe(func(id string) { printer.printf("* %s left", id) })
	client.StateChanges().Subscribe(func(s sigclient.State) {
		if s == sigclient.StateReconnecting || s == sigclient.StateFailed {
			printer.printf("* signaling %s", s)
		}
	})

	c := call.New(client, factory)
	id, err := c.Join(ctx, room, flagName, stream)
	if err != nil {
		return err
	}
	defer c.Leave()

	c.Manager().RemoteStreams().Subscribe(func(r mesh.RemoteStream) {
		printer.printf("* receiving media from %s", r.UserID)
	})
	c.Manager().Tracks().Subscribe(func(it mesh.IncomingTrack) {
		go drain(it.UserID, it.Track)
	})
	c.Manager().Failures().Subscribe(func(f *domain.NegotiationFailure) {
		printer.printf("* connection to %s failed: %v", f.UserID, f.Err)
	})

	printer.printf("joined room %s as %s (%s)", id.RoomID, id.User.Name, id.User.ID)
	printer.printf("%s", joinHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, c, printer, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one stdin command and reports whether to leave.
func handleLine(ctx context.Context, c *call.Call, p *printer, line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")

	var err error
	switch cmd {
	case "":
	case "/leave":
		return true
	case "/react":
		err = c.SendReaction(strings.TrimSpace(arg))
	case "/mute":
		var on bool
		if on, err = c.ToggleAudio(); err == nil {
			p.printf("* microphone %s", onOff(on))
		}
	case "/video":
		var on bool
		if on, err = c.ToggleVideo(); err == nil {
			p.printf("* camera %s", onOff(on))
		}
	case "/who":
		for _, u := range c.Roster() {
			p.printf("  %s (%s)", u.Name, u.ID)
		}
	default:
		err = c.SendChat(line)
	}
	if err != nil {
		p.printf("! %v", err)
	}
	return false
}

func localStream() (*media.Stream, error) {
	mic, err := webrtc.NewLocalTrack(domain.TrackKindAudio, "audio", "meshroom")
	if err != nil {
		return nil, err
	}
	cam, err := webrtc.NewLocalTrack(domain.TrackKindVideo, "video", "meshroom")
	if err != nil {
		return nil, err
	}
	return media.NewStream("meshroom", mic, cam), nil
}

// drain reads an incoming track so its buffers never fill and logs how
// much arrived. Rendering is left to other clients.
func drain(userID string, t domain.RemoteTrack) {
	rt, ok := t.(*webrtc.RemoteTrack)
	if !ok {
		return
	}
	start := time.Now()
	packets := 0
	for {
		if _, err := rt.ReadRTP(); err != nil {
			log.Info().Str("module", "main").Str("user", userID).Str("codec", rt.Codec()).
				Int("packets", packets).Dur("elapsed", time.Since(start)).Msg("remote track ended")
			return
		}
		packets++
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
