// bridgecall is a conformance probe for bridge executables: it spawns a
// bridge binary, invokes one of its registered functions, and prints the
// result. Useful for poking at a bridge without writing a host program.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/machinefabric/nodebridge-go/peer"
)

var (
	timeout   time.Duration
	warmup    time.Duration
	notifies  []string
	listNames bool
)

var rootCmd = &cobra.Command{
	Use:   "bridgecall <bridge-binary> <function> [arg...]",
	Short: "Invoke a function on a bridge executable",
	Long: `Spawns a bridge executable, optionally publishes channel messages to it,
then invokes the named function with the given string arguments and prints
the response. Arguments are chunked per the wire protocol automatically.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the response")
	rootCmd.Flags().DurationVar(&warmup, "warmup", 200*time.Millisecond, "how long to let the bridge register its functions")
	rootCmd.Flags().StringArrayVar(&notifies, "notify", nil, "channel=data message to publish before the call (repeatable)")
	rootCmd.Flags().BoolVar(&listNames, "list", false, "only list the functions the bridge registers")
}

func runCall(cmd *cobra.Command, args []string) error {
	host, err := peer.Spawn(args[0])
	if err != nil {
		return fmt.Errorf("spawning bridge: %w", err)
	}
	defer host.Close()

	// Registrations arrive asynchronously after spawn.
	time.Sleep(warmup)

	for _, n := range notifies {
		channel, data, err := splitNotify(n)
		if err != nil {
			return err
		}
		if err := host.Notify(channel, data); err != nil {
			return fmt.Errorf("publishing to %s: %w", channel, err)
		}
	}

	if listNames {
		for _, name := range host.Functions() {
			fmt.Println(name)
		}
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("a function name is required unless --list is given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := host.Call(ctx, args[1], args[2:]...)
	if err != nil {
		return fmt.Errorf("calling %s: %w", args[1], err)
	}
	fmt.Println(result)
	return nil
}

func splitNotify(s string) (channel, data string, err error) {
	channel, data, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", fmt.Errorf("invalid --notify %q, expected channel=data", s)
	}
	return channel, data, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
