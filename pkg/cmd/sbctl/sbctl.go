package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/admin"
)

var (
	serverAddr string
	timeout    time.Duration
)

func call(method string, params interface{}, result interface{}) error {
	conn, err := net.DialTimeout(jrpc2.Network(serverAddr), serverAddr, timeout)
	if err != nil {
		return fmt.Errorf("dial %q: %w", serverAddr, err)
	}
	cli := jrpc2.NewClient(channel.RawJSON(conn, conn), &jrpc2.ClientOptions{AllowV1: true})
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return cli.CallResult(ctx, method, params, result)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := &cobra.Command{
		Use:          "sbctl",
		Short:        "Query the admin endpoint of an ovsdb-southbound member",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:6641", "Admin endpoint address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(&cobra.Command{
		Use:   "connections",
		Short: "List the switch sessions of the member",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var conns []admin.Connection
			if err := call("list_connections", nil, &conns); err != nil {
				return err
			}
			return printJSON(conns)
		},
	}, &cobra.Command{
		Use:   "connection NODE_ID",
		Short: "Show the session of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var conn admin.Connection
			if err := call("get_connection", admin.NodeParams{NodeID: args[0]}, &conn); err != nil {
				return err
			}
			return printJSON(conn)
		},
	}, &cobra.Command{
		Use:   "leader",
		Short: "Show the member holding the provider entity",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var leader admin.Leader
			if err := call("leader", nil, &leader); err != nil {
				return err
			}
			return printJSON(leader)
		},
	})

	if err := root.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
