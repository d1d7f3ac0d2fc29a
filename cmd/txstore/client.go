package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/metadata"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nainya/txstore/internal/server"
	"github.com/nainya/txstore/pkg/executor"
	"github.com/nainya/txstore/pkg/operation"
)

const requestTimeout = 30 * time.Second

// withClient dials addr, tags the call with a fresh request id and runs fn
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, server.RequestIDHeader, uuid.NewString())
	return fn(ctx, c)
}

func newExecCommand() *cobra.Command {
	var (
		file    string
		retries int
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a batch read as a JSON array of operations",
		Long: `Execute a batch read as a JSON array of operations from --file or stdin.
Example: [{"kind":"write","row":"dXNlcg==","column":"bmFtZQ==","value":"YWRh"}]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, err := readOperations(cmd, file)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Execute(ctx, &server.ExecuteRequest{Operations: ops, RetryAttempts: retries})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "operations file, - for stdin")
	cmd.Flags().IntVar(&retries, "retries", 0, "reruns on commit conflict")
	return cmd
}

func readOperations(cmd *cobra.Command, file string) ([]operation.WriteOperation, error) {
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var ops []operation.WriteOperation
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return nil, errors.Wrap(err, "decode operations")
	}
	return ops, nil
}

func newPopCommand() *cobra.Command {
	var group, consumer string
	cmd := &cobra.Command{
		Use:   "pop QUEUE",
		Short: "Claim the next entry of a queue for a consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if consumer == "" {
				consumer = uuid.NewString()
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Execute(ctx, &server.ExecuteRequest{Operations: []operation.WriteOperation{
					operation.QueuePop(args[0], group, consumer),
				}})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "default", "consumer group")
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name, random when empty")
	return cmd
}

func newReadCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "read TABLE ROW",
		Short: "Print the visible cells of a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Read(ctx, &server.ReadRequest{Table: args[0], Row: []byte(args[1]), Limit: limit})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum cells, 0 for all")
	cmd.ValidArgs = []string{executor.TableRandom, executor.TableOrdered, executor.TableQueues}
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print oracle statistics and serving status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				health, err := healthpb.NewHealthClient(c.Conn()).Check(ctx,
					&healthpb.HealthCheckRequest{Service: server.ServiceName})
				if err != nil {
					return err
				}
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, struct {
					Status string `json:"status"`
					*server.StatsResponse
				}{health.Status.String(), stats})
			})
		},
	}
}
