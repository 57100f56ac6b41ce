// Command chatprobe drives a session against a running analysis backend from
// the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/datapella/backend/internal/config"
	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
	"github.com/zhouzirui/datapella/backend/internal/service/transport"
)

var (
	endpoint string
	timeout  time.Duration
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "chatprobe",
	Short: "Exercise the DataPella chat session from the command line",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logging.Init(logging.Config{Level: "debug"})
		} else {
			logging.Init(logging.Config{Level: "warn"})
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		manager, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer manager.Close(context.Background())

		events := make(chan chatservice.Event, 1024)
		unsubscribe := manager.Subscribe(func(ev chatservice.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		messageID, err := manager.SubmitQuery(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("submitting question: %w", err)
		}

		out := cmd.OutOrStdout()
		printed := 0
		for {
			select {
			case <-ctx.Done():
				_ = manager.CancelQuery(context.Background(), messageID)
				return fmt.Errorf("waiting for answer: %w", ctx.Err())
			case ev := <-events:
				if ev.Kind != chatservice.EventUpdated || ev.Message.ID != messageID {
					continue
				}
				msg := ev.Message
				if len(msg.Content) > printed {
					fmt.Fprint(out, msg.Content[printed:])
					printed = len(msg.Content)
				}
				if msg.Status.Open() {
					continue
				}
				fmt.Fprintln(out)
				if msg.Status == chat.StatusFailed {
					return fmt.Errorf("query failed: %s", msg.Cause)
				}
				if len(msg.Result) > 0 {
					fmt.Fprintf(out, "\nresult: %s\n", msg.Result)
				}
				return nil
			}
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Hold a session open and print connection changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		manager, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer manager.Close(context.Background())

		out := cmd.OutOrStdout()
		states := make(chan chat.ConnectionState, 64)
		unsubscribe := manager.Subscribe(func(ev chatservice.Event) {
			if ev.Kind != chatservice.EventConnection {
				return
			}
			select {
			case states <- ev.State:
			default:
			}
		})
		defer unsubscribe()

		fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), manager.ConnectionState())
		for {
			select {
			case <-ctx.Done():
				return nil
			case state := <-states:
				fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), state)
			}
		}
	},
}

func openSession(ctx context.Context) (*chatservice.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if endpoint != "" {
		cfg.Session.Endpoint = endpoint
	}

	mcfg := cfg.Session.ManagerConfig()
	mcfg.Greeting = ""
	manager := chatservice.NewManager(transport.NewChannel(cfg.Session.ChannelOptions()), mcfg)
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	return manager, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "backend websocket endpoint (default from DATAPELLA_ENDPOINT)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	askCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")

	rootCmd.AddCommand(askCmd, watchCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
