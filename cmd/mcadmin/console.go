package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/mcadmin/internal/api"
)

const followPoll = 30 * time.Second

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Show recent server console output",
	Long: "Print the buffered console lines. With -f, keep following new output; " +
		"when stdin is a terminal, lines typed at the prompt are sent to the server (Ctrl-D to exit).",
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().BoolP("follow", "f", false, "follow new output")
	consoleCmd.Flags().IntP("lines", "n", 0, "show only the last n lines")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	n, _ := cmd.Flags().GetInt("lines")

	path := "/v1/console"
	if n > 0 {
		path = fmt.Sprintf("/v1/console?lines=%d", n)
	}
	var res api.ConsoleResponse
	if err := apiGet(apiClient(10*time.Second), path, &res); err != nil {
		return err
	}
	if !follow {
		if jsonOut {
			return printJSON(res.Lines)
		}
		for _, line := range res.Lines {
			fmt.Println(line)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out io.Writer = os.Stdout
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("setting terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		out = t

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go readInput(t, cancel)
	}

	for _, line := range res.Lines {
		fmt.Fprintln(out, line)
	}
	return followConsole(ctx, out, res.Next)
}

// readInput sends each line typed at the prompt to the server until EOF.
func readInput(t *term.Terminal, done context.CancelFunc) {
	defer done()
	client := apiClient(10 * time.Second)
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if err := apiPost(client, "/v1/input", api.InputRequest{Text: line}, nil); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}

func followConsole(ctx context.Context, out io.Writer, since uint64) error {
	client := apiClient(followPoll + 10*time.Second)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var res api.ConsoleResponse
		path := fmt.Sprintf("/v1/console/wait?since=%d&timeout=%s", since, followPoll)
		if err := apiGetContext(ctx, client, path, &res); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, line := range res.Lines {
			fmt.Fprintln(out, line)
		}
		since = res.Next
	}
}
