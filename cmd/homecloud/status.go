package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"homecloud/pkg/gateway"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var (
		gatewayAddr string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				primaryColor = lipgloss.Color("#7571f9")
				dangerColor  = lipgloss.Color("#ff6b6b")
				mutedColor   = lipgloss.Color("#6c757d")

				mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

				titleStyle = lipgloss.NewStyle().
						Bold(true).
						Foreground(primaryColor).
						MarginBottom(1)

				dangerStyle = lipgloss.NewStyle().
						Foreground(dangerColor).
						Bold(true)
			)

			url := fmt.Sprintf("http://%s/admin/status", gatewayAddr)
			httpClient := &http.Client{Timeout: 10 * time.Second}
			resp, err := httpClient.Get(url)
			if err != nil {
				if jsonOutput {
					errorStatus := map[string]interface{}{
						"error":     true,
						"message":   "Connection Failed",
						"details":   err.Error(),
						"gateway":   gatewayAddr,
						"timestamp": time.Now().Format(time.RFC3339),
					}
					jsonBytes, _ := json.MarshalIndent(errorStatus, "", "  ")
					fmt.Println(string(jsonBytes))
					return nil
				}

				errorBox := dangerStyle.Render("❌ Connection Failed") + "\n" +
					mutedStyle.Render(fmt.Sprintf("Cannot reach gateway at %s", gatewayAddr))
				fmt.Println(errorBox)
				return err
			}
			defer resp.Body.Close()

			var report gateway.StatusReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			if jsonOutput {
				jsonBytes, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status to JSON: %w", err)
				}
				fmt.Println(string(jsonBytes))
				return nil
			}

			title := titleStyle.Render("🏠 HOMECLOUD GATEWAY STATUS")
			fmt.Println(title)

			fmt.Println(createGatewayTable(&report, gatewayAddr))

			footer := mutedStyle.
				MarginTop(1).
				Render(fmt.Sprintf("Generated at %s", time.Now().Format("2006-01-02 15:04:05")))
			fmt.Println(footer)

			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayAddr, "gateway", "localhost:8300", "gateway admin address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func createGatewayTable(report *gateway.StatusReport, gatewayAddr string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 0:
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			default:
				return lipgloss.NewStyle().
					Padding(0, 1)
			}
		}).
		Headers("METRIC", "VALUE")

	onlineStatus := lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Bold(true).Render("🟢 ONLINE")
	t.Row("Gateway ID", report.GatewayID)
	t.Row("Address", gatewayAddr)
	t.Row("Status", onlineStatus)
	t.Row("Connections", fmt.Sprintf("%d", report.Connections))
	t.Row("Authenticated", fmt.Sprintf("%d", report.Authenticated))
	t.Row("Channels", fmt.Sprintf("%d", report.Channels))
	t.Row("Uptime", (time.Duration(report.UptimeSeconds) * time.Second).String())

	return lipgloss.NewStyle().
		MarginBottom(1).
		Render("📡 GATEWAY\n" + t.Render())
}
