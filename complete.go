package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/victhorio/opachat/completion"
)

func newCompleteCmd(flags *globalFlags) *cobra.Command {
	var temperature float64

	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Stream a single completion; the prompt is read from stdin when not given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags, true)
			if err != nil {
				return err
			}

			prompt := strings.Join(args, " ")
			if prompt == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "complete: read stdin")
				}
				prompt = strings.TrimSpace(string(data))
			}
			if prompt == "" {
				return errors.New("complete: empty prompt")
			}

			ctx, cancel := signalContext()
			defer cancel()

			b, err := newBackend(ctx, cfg)
			if err != nil {
				return err
			}

			var body map[string]any
			if cmd.Flags().Changed("temperature") {
				body = map[string]any{"temperature": temperature}
			}
			return runComplete(ctx, b.completer, prompt, body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "sampling temperature")

	return cmd
}

// runComplete writes the completion to w as it streams in.
func runComplete(ctx context.Context, streamer completion.Streamer, prompt string, body map[string]any, w io.Writer) error {
	c, err := completion.New(completion.Options{Streamer: streamer, Body: body})
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		printed int
	)
	stop := c.Watch(func() {
		mu.Lock()
		defer mu.Unlock()

		text := c.Completion()
		if len(text) > printed {
			fmt.Fprint(w, text[printed:])
			printed = len(text)
		}
	})
	defer stop()

	if _, err := c.Complete(ctx, prompt); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if err := c.Error(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "completion failed: %v\n", err)
		return err
	}
	return nil
}
