package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type statsResponse struct {
	TotalTcp           int64  `json:"TotalTcp"`
	ActiveTcp          int    `json:"ActiveTcp"`
	TotalUdp           int64  `json:"TotalUdp"`
	ActiveUdp          int    `json:"ActiveUdp"`
	TotalUdpAssociate  int64  `json:"TotalUdpAssociate"`
	ActiveUdpAssociate int    `json:"ActiveUdpAssociate"`
	BytesSent          uint64 `json:"BytesSent"`
	BytesReceived      uint64 `json:"BytesReceived"`
}

func statsCmd() *cobra.Command {
	var (
		addr       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query a running instance's connection statistics",
		Long:  "Fetch the JSON stats snapshot from a running selfproxyd's metrics address (its metrics.addr setting), given by --addr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("http://%s/stats", addr)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status: %d", resp.StatusCode)
			}

			var snap statsResponse
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Printf("Connection Stats\n")
			fmt.Printf("================\n")
			fmt.Printf("TCP:            %d active, %d total\n", snap.ActiveTcp, snap.TotalTcp)
			fmt.Printf("UDP:            %d active, %d total\n", snap.ActiveUdp, snap.TotalUdp)
			fmt.Printf("UDP ASSOCIATE:  %d active, %d total\n", snap.ActiveUdpAssociate, snap.TotalUdpAssociate)
			fmt.Printf("Bytes sent:     %s\n", humanize.Bytes(snap.BytesSent))
			fmt.Printf("Bytes received: %s\n", humanize.Bytes(snap.BytesReceived))

			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:9090", "Running instance's metrics address (host:port)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
