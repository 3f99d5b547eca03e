package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/sractl/pkg/transport/uds"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Read and write saved configs and settings",
	Long:  "Documents are opaque JSON values keyed by namespace (configs, settings) and name.",
}

var storeListCmd = &cobra.Command{
	Use:   "list <namespace>",
	Short: "List document names in a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp uds.StoreListResponse
		if err := call(2*time.Second, uds.MethodStoreList, uds.StoreRequest{Namespace: args[0]}, &resp); err != nil {
			return err
		}
		for _, name := range resp.Names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var storeGetCmd = &cobra.Command{
	Use:   "get <namespace> <name>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp uds.StoreGetResponse
		req := uds.StoreRequest{Namespace: args[0], Name: args[1]}
		if err := call(2*time.Second, uds.MethodStoreGet, req, &resp); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), resp.Value)
	},
}

var storePutCmd = &cobra.Command{
	Use:   "put <namespace> <name> <json|@file|->",
	Short: "Save a document",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readValue(args[2], cmd.InOrStdin())
		if err != nil {
			return err
		}
		req := uds.StoreRequest{Namespace: args[0], Name: args[1], Value: value}
		if err := call(2*time.Second, uds.MethodStorePut, req, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s/%s ✓\n", args[0], args[1])
		return nil
	},
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <namespace> <name>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := uds.StoreRequest{Namespace: args[0], Name: args[1]}
		if err := call(2*time.Second, uds.MethodStoreDelete, req, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s ✓\n", args[0], args[1])
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storePutCmd)
	storeCmd.AddCommand(storeDeleteCmd)
	rootCmd.AddCommand(storeCmd)
}

// readValue resolves a put argument: inline JSON, @path for a file, or - for stdin.
func readValue(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("value is not valid JSON")
	}
	return json.RawMessage(data), nil
}
