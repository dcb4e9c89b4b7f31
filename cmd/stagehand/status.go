package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avendel/stagehand/internal/render"
	"github.com/avendel/stagehand/internal/session"
	"github.com/avendel/stagehand/internal/supervisor"
)

func newStatusCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Displays active engine processes, open sessions and the rendering queue of a running Stagehand daemon. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, watch)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the Stagehand API")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

// statusInfo aggregates the API responses the status view renders.
type statusInfo struct {
	Processes []supervisor.Process
	Sessions  []session.Session
	Jobs      []render.Job
}

func runStatus(cmd *cobra.Command, addr string, watch bool) error {
	client := &http.Client{Timeout: 5 * time.Second}
	out := cmd.OutOrStdout()

	for {
		info, err := fetchStatus(client, addr)
		if err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}

		fmt.Fprint(out, formatStatus(info))

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}

func fetchStatus(client *http.Client, addr string) (*statusInfo, error) {
	info := &statusInfo{}
	if err := fetchJSON(client, addr+"/api/processes", &info.Processes); err != nil {
		return nil, err
	}
	if err := fetchJSON(client, addr+"/api/sessions", &info.Sessions); err != nil {
		return nil, err
	}
	if err := fetchJSON(client, addr+"/api/jobs", &info.Jobs); err != nil {
		return nil, err
	}
	return info, nil
}

// fetchJSON unwraps the {ok, data} envelope into target.
func fetchJSON(client *http.Client, url string, target any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("status: decode %s: %w", url, err)
	}
	if !env.OK {
		if env.Error != nil {
			return fmt.Errorf("status: %s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("status: %s returned HTTP %d", url, resp.StatusCode)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("status: decode %s: %w", url, err)
	}
	return nil
}

// formatStatus renders statusInfo as a human-readable dashboard string.
func formatStatus(info *statusInfo) string {
	var b strings.Builder
	now := time.Now()

	b.WriteString("ENGINES\n")
	b.WriteString(fmt.Sprintf("%-38s %-6s %-8s %-10s %s\n",
		"ID", "PORT", "PID", "STATUS", "UPTIME"))
	for _, p := range info.Processes {
		b.WriteString(fmt.Sprintf("%-38s %-6d %-8d %-10s %s\n",
			p.ID, p.Port, p.PID, p.Status, formatDuration(now.Sub(p.CreatedAt))))
	}
	if len(info.Processes) == 0 {
		b.WriteString("  (no active engines)\n")
	}
	b.WriteString("\n")

	b.WriteString("SESSIONS\n")
	b.WriteString(fmt.Sprintf("%-38s %-38s %-10s %s\n",
		"ID", "ENGINE", "STATUS", "LAST ACTIVE"))
	for _, s := range info.Sessions {
		engine := s.ProcessID
		if engine == "" {
			engine = "-"
		}
		b.WriteString(fmt.Sprintf("%-38s %-38s %-10s %s\n",
			s.ID, engine, s.Status, s.LastActiveAt.Format("15:04:05")))
	}
	if len(info.Sessions) == 0 {
		b.WriteString("  (no open sessions)\n")
	}
	b.WriteString("\n")

	var pending, processing int
	for _, j := range info.Jobs {
		switch j.Status {
		case render.StatusPending:
			pending++
		case render.StatusProcessing:
			processing++
		}
	}
	b.WriteString(fmt.Sprintf("Rendering queue: %d pending, %d processing, %d retained\n",
		pending, processing, len(info.Jobs)))

	return b.String()
}

// formatDuration formats a duration as "Xh Ym" or "Ym Zs".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
