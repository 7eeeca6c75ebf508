package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"homecloud/pkg/gateway"
	"homecloud/pkg/types"

	"github.com/spf13/cobra"
)

func revokeCmd() *cobra.Command {
	var (
		gatewayAddr string
		kind        string
		subjectID   string
		deviceID    string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Disconnect a subject's live connections everywhere",
		Long: `Force-disconnect every live connection held by a user or instance, on all
gateway processes. With --device, only the named device's connections are
closed. This acts on live connections; revoking the subject in the account
store is the caller's responsibility.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectKind := types.SubjectKind(kind)
			if !subjectKind.Valid() {
				return fmt.Errorf("invalid subject kind %q (expected user or instance)", kind)
			}

			body, err := json.Marshal(gateway.DisconnectRequest{
				SubjectKind: subjectKind,
				SubjectID:   subjectID,
				DeviceID:    deviceID,
			})
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/admin/disconnect", gatewayAddr)
			httpClient := &http.Client{Timeout: 10 * time.Second}
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to reach gateway: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway rejected the request: %s", resp.Status)
			}

			var result gateway.DisconnectResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			fmt.Printf("✓ Disconnected %d connection(s) on %s; revocation propagated\n",
				result.Disconnected, gatewayAddr)
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayAddr, "gateway", "localhost:8300", "gateway admin address")
	cmd.Flags().StringVar(&kind, "kind", "user", "subject kind (user or instance)")
	cmd.Flags().StringVar(&subjectID, "id", "", "subject identifier")
	cmd.Flags().StringVar(&deviceID, "device", "", "restrict to one device's connections")
	cmd.MarkFlagRequired("id")

	return cmd
}
