package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pieceflow/pkg/protocol"
	"pieceflow/pkg/quic"
)

var (
	flagAddr       string
	flagTimeout    time.Duration
	flagInsecure   bool
	flagCACert     string
	flagServerName string
)

var rootCmd = &cobra.Command{
	Use:   "pieceflow-ctl",
	Short: "query a pieceflow node over QUIC",
	Long:  `pieceflow-ctl issues piece, task and health queries against a running pieceflow node.`,
}

var pieceCmd = &cobra.Command{
	Use:   "piece task-id piece-id",
	Short: "download piece metadata and content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *quic.Client) error {
			resp, err := c.DownloadPiece(ctx, &protocol.DownloadPieceRequest{TaskID: args[0], PieceID: args[1]})
			if err != nil {
				return err
			}
			if resp.Piece == nil {
				fmt.Println("piece not found")
				return nil
			}
			return printJSON(resp.Piece)
		})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task task-id",
	Short: "download task metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *quic.Client) error {
			resp, err := c.DownloadTask(ctx, &protocol.DownloadTaskRequest{TaskID: args[0]})
			if err != nil {
				return err
			}
			if resp.Task == nil {
				fmt.Println("task not found")
				return nil
			}
			return printJSON(resp.Task)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync task-id",
	Short: "list the pieces a node holds for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *quic.Client) error {
			resp, err := c.SyncPieces(ctx, &protocol.SyncPiecesRequest{TaskID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(resp.Pieces)
		})
	},
}

var cachePieceCmd = &cobra.Command{
	Use:   "cache-piece task-id piece-id",
	Short: "download a persistent cache piece",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *quic.Client) error {
			resp, err := c.DownloadPersistentCachePiece(ctx, &protocol.DownloadPersistentCachePieceRequest{TaskID: args[0], PieceID: args[1]})
			if err != nil {
				return err
			}
			if resp.Piece == nil {
				fmt.Println("piece not found")
				return nil
			}
			return printJSON(resp.Piece)
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "check node liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *quic.Client) error {
			status, err := c.HealthCheck(ctx)
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		})
	},
}

func withClient(fn func(context.Context, *quic.Client) error) error {
	c, err := quic.NewClient(quic.ClientConfig{
		Addr:               flagAddr,
		Timeout:            flagTimeout,
		InsecureSkipVerify: flagInsecure,
		CACert:             flagCACert,
		ServerName:         flagServerName,
	}, zap.NewNop())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:8080", "node address to connect to")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "skip server certificate verification")
	rootCmd.PersistentFlags().StringVar(&flagCACert, "ca-cert", "", "PEM CA bundle to verify the server against")
	rootCmd.PersistentFlags().StringVar(&flagServerName, "server-name", "", "override the TLS server name")

	rootCmd.AddCommand(pieceCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cachePieceCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
