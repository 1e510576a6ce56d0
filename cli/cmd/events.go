package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"ferry/cli/api"
	"ferry/cli/style"
)

var (
	eventsLimit  int
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events [branch]",
	Short: "Show the deployment event log",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 30, "events to show")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream new events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	var branch string
	if len(args) == 1 {
		branch = args[0]
	}

	evts, err := client.Events(branch, eventsLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	// newest first from the API
	for i := len(evts) - 1; i >= 0; i-- {
		fmt.Println(formatEvent(evts[i], branch == ""))
	}
	if !eventsFollow {
		return nil
	}
	return followEvents(branch)
}

func followEvents(branch string) error {
	conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(branch), client.AuthHeader())
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			select {
			case <-interrupt:
				return nil
			default:
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		var msg wsMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "saga.event" {
			continue
		}
		fmt.Println(formatEvent(msg.Payload, branch == ""))
	}
}

func formatEvent(evt api.SagaEvent, withBranch bool) string {
	ts := style.DimText.Render(evt.Timestamp.Local().Format("15:04:05"))

	icon := style.DotDim
	switch evt.Action {
	case "step.complete":
		icon = style.DotHealthy
	case "step.failed":
		icon = style.DotUnhealthy
	case "step.start", "deploy.start":
		icon = style.DotWarning
	case "deploy.finish":
		switch evt.Metadata["status"] {
		case "Live", "Done":
			icon = style.DotHealthy
		default:
			icon = style.DotUnhealthy
		}
	case "rollback.slow":
		icon = style.Warning.Render("▲")
	}

	line := fmt.Sprintf("%s %s ", ts, icon)
	if withBranch {
		line += style.Bold.Render(padRight(evt.Branch, 20)) + " "
	}
	line += style.KindBadge.Render(padRight(evt.Category, 8)) + " "
	if evt.Action == "state.transition" && evt.FromState != "" {
		line += style.DimText.Render(evt.FromState+" → ") + statusText(evt.ToState) + " "
	}
	return line + evt.Message
}
