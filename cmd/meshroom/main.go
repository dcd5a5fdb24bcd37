package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Join a mesh video room from the terminal",
	Long: `meshroom joins a room on a WebRTC mesh signaling server, negotiates a
peer connection with every other participant and relays chat and
reactions typed on stdin.

Configuration is read from the environment or a .env file:
  MESHROOM_SIGNAL_URL          ws:// or wss:// signaling endpoint (required)
  MESHROOM_ICE_URL             HTTP endpoint returning ICE servers (optional)
  MESHROOM_STUN                comma-separated STUN urls
  MESHROOM_RECONNECT_DELAY     first reconnection delay, e.g. 1s
  MESHROOM_RECONNECT_ATTEMPTS  reconnection attempts before giving up
  MESHROOM_LOG_LEVEL           debug, info, warn or error`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(joinCmd, roomIDCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
