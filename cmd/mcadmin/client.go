package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/mcadmin/internal/api"
	"github.com/benaskins/mcadmin/internal/daemon"
	"github.com/benaskins/mcadmin/internal/supervisor"
)

func apiClient(timeout time.Duration) *http.Client {
	path := socketPath
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func apiGet(client *http.Client, path string, v any) error {
	return apiGetContext(context.Background(), client, path, v)
}

func apiGetContext(ctx context.Context, client *http.Client, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://mcadmin"+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is mcadmin daemon running?)", err)
	}
	return decodeResponse(resp, v)
}

func apiPost(client *http.Client, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	resp, err := client.Post("http://mcadmin"+path, "application/json", r)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is mcadmin daemon running?)", err)
	}
	return decodeResponse(resp, v)
}

func printStatus(st supervisor.Status) error {
	if jsonOut {
		return printJSON(st)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tPID\tUPTIME\tEXIT")
	pid, uptime, exit := "-", "-", "-"
	if st.PID > 0 {
		pid = fmt.Sprintf("%d", st.PID)
	}
	if st.State == supervisor.StateRunning && !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	if st.State != supervisor.StateRunning && st.PID > 0 {
		exit = fmt.Sprintf("%d", st.ExitCode)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.State, pid, uptime, exit)
	return w.Flush()
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := apiGet(apiClient(10*time.Second), "/v1/status", &st); err != nil {
			return err
		}
		return printStatus(st)
	},
}

// start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long:  "Start the server. Without --jar the single minecraft_server-*.jar in the server directory is used, or the latest release is downloaded if there is none.",
	RunE: func(cmd *cobra.Command, args []string) error {
		jar, _ := cmd.Flags().GetString("jar")
		params, _ := cmd.Flags().GetString("jvm-params")

		// Start may include a download.
		var st supervisor.Status
		req := api.StartRequest{Jar: jar, JVMParams: params}
		if err := apiPost(apiClient(10*time.Minute), "/v1/start", req, &st); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		fmt.Printf("server started (pid %d)\n", st.PID)
		return nil
	},
}

// stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := apiPost(apiClient(5*time.Minute), "/v1/stop", nil, &st); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		fmt.Println("server stopped")
		return nil
	},
}

// send command
var sendCmd = &cobra.Command{
	Use:   "send <command...>",
	Short: "Send a command to the server console",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return apiPost(apiClient(10*time.Second), "/v1/input", api.InputRequest{Text: text}, nil)
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the latest server jar if none is present",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res api.FetchResponse
		if err := apiPost(apiClient(10*time.Minute), "/v1/fetch", nil, &res); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		if res.Downloaded {
			fmt.Printf("downloaded %s\n", res.Jar)
		} else {
			fmt.Printf("%s already present\n", res.Jar)
		}
		return nil
	},
}

// reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the config file",
	Long:  "Re-read the config file. jar, jvm_params and autostart apply to the next start; other fields need a daemon restart.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result daemon.ReloadResult
		if err := apiPost(apiClient(10*time.Second), "/v1/reload", nil, &result); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(result)
		}
		if len(result.Applied) > 0 {
			fmt.Printf("Applied: %v\n", result.Applied)
		}
		if len(result.Deferred) > 0 {
			fmt.Printf("Needs daemon restart: %v\n", result.Deferred)
		}
		if len(result.Applied) == 0 && len(result.Deferred) == 0 {
			fmt.Println("No changes")
		}
		return nil
	},
}

func init() {
	startCmd.Flags().String("jar", "", "server jar filename inside the server directory")
	startCmd.Flags().String("jvm-params", "", "JVM arguments, e.g. \"-Xmx2G -Xms1G\"")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(reloadCmd)
}
