package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraMesh/api"
	"github.com/VanDung-dev/HieraMesh/arrow"
)

var (
	connectWait bool
	sendMaxHops uint32
	exportDir   string
	outputJSON  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <addr>",
	Short: "Ask the node to handshake with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		resp, err := client.Connect(ctx, args[0], connectWait)
		if err != nil {
			return err
		}
		switch {
		case resp.AlreadyAuthenticated:
			fmt.Printf("%s is already authenticated\n", args[0])
		case resp.Acknowledged:
			fmt.Printf("Handshake with %s acknowledged\n", args[0])
		default:
			fmt.Printf("Handshake with %s started\n", args[0])
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <node-id> <message>",
	Short: "Route a message to a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		resp, err := client.SendRoutedData(ctx, args[0], []byte(args[1]), sendMaxHops)
		if err != nil {
			return err
		}
		fmt.Printf("route_id=%s outcome=%s\n", resp.RouteID, resp.Outcome)
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the routing table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		routes, err := client.RoutingSnapshot(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(routes)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DESTINATION\tNEXT HOP\tDISTANCE\tAGE")
		for _, r := range routes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Destination, r.NextHop, r.Distance, time.Since(r.UpdatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show the peer directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		resp, err := client.PeerStats(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(resp)
		}

		fmt.Printf("total=%d authenticated=%d handshaking=%d discovered=%d\n",
			resp.Stats.Total, resp.Stats.Authenticated, resp.Stats.HandshakeInitiated, resp.Stats.Discovered)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDR\tNODE ID\tNAME\tSTATE\tIDLE")
		for _, p := range resp.Peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Addr, p.NodeID, p.Name, p.State, time.Since(p.LastActivity).Round(time.Second))
		}
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export routes and peers as Arrow IPC files",
	Long: `Export the routing table and peer directory of a running node as Arrow
IPC streams, written to routes.arrow and peers.arrow in --dir.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		resp, err := client.ExportSnapshot(ctx)
		if err != nil {
			return err
		}

		enc := arrow.NewSnapshotEncoder()
		routes, err := enc.DecodeRoutes(resp.Routes)
		if err != nil {
			return fmt.Errorf("invalid routes stream: %w", err)
		}
		peers, err := enc.DecodePeers(resp.Peers)
		if err != nil {
			return fmt.Errorf("invalid peers stream: %w", err)
		}

		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			return err
		}
		for name, data := range map[string][]byte{"routes.arrow": resp.Routes, "peers.arrow": resp.Peers} {
			if err := os.WriteFile(filepath.Join(exportDir, name), data, 0o644); err != nil {
				return err
			}
		}
		fmt.Printf("Exported %d routes and %d peers to %s\n", len(routes), len(peers), exportDir)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check node health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		resp, err := client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s v%s node=%s healthy=%t uptime=%ds\n", Name, resp.Version, resp.NodeID, resp.Healthy, resp.UptimeSeconds)
		if !resp.Healthy {
			return fmt.Errorf("node is not healthy")
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Generate a random token for auth_token or control.token",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		token, err := api.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	connectCmd.Flags().BoolVarP(&connectWait, "wait", "w", false, "Wait for the handshake request to be acknowledged")
	sendCmd.Flags().Uint32Var(&sendMaxHops, "max-hops", 0, "Hop budget (0 uses the node default)")
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", ".", "Output directory")
	routesCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON")
	peersCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON")

	rootCmd.AddCommand(connectCmd, sendCmd, routesCmd, peersCmd, exportCmd, healthCmd, tokenCmd)
}
