package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"scrumvote/ballot"
	"scrumvote/notify"
)

var (
	apiEndpoint = defaultAPIEndpoint()
	apiToken    = os.Getenv("SCRUMVOTE_TOKEN")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("SCRUMVOTE_API")); v != "" {
		return v
	}
	return "http://127.0.0.1:7090"
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	client := newAPIClient(apiEndpoint, apiToken)

	switch command := args[0]; command {
	case "status":
		return runStatus(ctx, client, stdout, stderr)
	case "history":
		return runHistory(ctx, client, stdout, stderr)
	case "vote":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Error: Please provide a candidate name.")
			return 1
		}
		return runAction(ctx, client, ballot.ActionVote, map[string]string{"candidate": strings.Join(args[1:], " ")}, stdout, stderr)
	case "change-owner":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Error: Please provide the new owner address.")
			return 1
		}
		if !common.IsHexAddress(args[1]) {
			fmt.Fprintf(stderr, "Error: %q is not a valid address.\n", args[1])
			return 1
		}
		return runAction(ctx, client, ballot.ActionChangeOwner, map[string]string{"new_owner": args[1]}, stdout, stderr)
	case "declare-winner", "withdraw", "reset", "disable":
		kind, err := ballot.ParseActionKind(command)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return runAction(ctx, client, kind, nil, stdout, stderr)
	case "refresh":
		if err := client.refresh(ctx); err != nil {
			return fail(stderr, err)
		}
		return runStatus(ctx, client, stdout, stderr)
	case "use-account":
		if len(args) < 2 || !common.IsHexAddress(args[1]) {
			fmt.Fprintln(stderr, "Error: Please provide a valid account address.")
			return 1
		}
		if err := client.useAccount(ctx, args[1]); err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "Switched to %s\n", common.HexToAddress(args[1]).Hex())
		return 0
	case "watch":
		err := client.watch(ctx, func(n notify.Notification) {
			fmt.Fprintf(stdout, "%s [%s] %s\n", n.At.Format("15:04:05"), n.Kind, n.Message)
		})
		if err != nil && ctx.Err() == nil {
			return fail(stderr, err)
		}
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--api" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			setGlobal(arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--api="), strings.HasPrefix(arg, "--token="):
			name, value, _ := strings.Cut(arg, "=")
			setGlobal(name, value)
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func setGlobal(name, value string) {
	if name == "--api" {
		apiEndpoint = value
		return
	}
	apiToken = value
}

func runStatus(ctx context.Context, client *apiClient, stdout, stderr io.Writer) int {
	st, err := client.state(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	m := st.Mirror
	fmt.Fprintf(stdout, "Session:    %s (generation %d)\n", st.Status, st.Generation)
	if st.Message != "" {
		fmt.Fprintf(stdout, "Message:    %s\n", st.Message)
	}
	fmt.Fprintf(stdout, "Account:    %s\n", m.Connection.Account.Hex())
	fmt.Fprintf(stdout, "Network:    %s (%d)\n", m.Connection.Network, m.Connection.ChainID)
	fmt.Fprintf(stdout, "Manager:    %s\n", m.Contract.ManagerPrimary.Hex())
	fmt.Fprintf(stdout, "Balance:    %s ETH\n", st.BalanceEther)
	if m.Contract.Disabled {
		fmt.Fprintln(stdout, "Contract:   disabled")
	}
	if m.Contract.Winner != "" {
		fmt.Fprintf(stdout, "Winner:     %s\n", m.Contract.Winner)
	}
	fmt.Fprintln(stdout, "Candidates:")
	for _, c := range m.Candidates {
		fmt.Fprintf(stdout, "  %-20s %d\n", c.Name, c.Votes)
	}
	if m.Voter.IsManager {
		fmt.Fprintln(stdout, "You are a manager.")
	} else {
		fmt.Fprintf(stdout, "Remaining votes: %d\n", st.Permissions.Remaining)
	}
	if m.LastError != "" {
		fmt.Fprintf(stdout, "Last sync error: %s\n", m.LastError)
	}
	return 0
}

func runHistory(ctx context.Context, client *apiClient, stdout, stderr io.Writer) int {
	history, err := client.history(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if len(history) == 0 {
		fmt.Fprintln(stdout, "No concluded rounds yet.")
		return 0
	}
	for _, h := range history {
		fmt.Fprintln(stdout, h.Text)
	}
	return 0
}

func runAction(ctx context.Context, client *apiClient, kind ballot.ActionKind, body map[string]string, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, kind.ProgressMessage())
	res, err := client.submit(ctx, string(kind), body)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, res.Message)
	if res.Action.TxHash != (common.Hash{}) {
		fmt.Fprintf(stdout, "tx: %s\n", res.Action.TxHash.Hex())
	}
	if res.SyncError != "" {
		fmt.Fprintf(stderr, "Warning: refresh after confirmation failed: %s\n", res.SyncError)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: scrumvote [--api URL] [--token JWT] <command> [args]

Commands:
  status                   Show the mirrored contract state
  history                  List concluded rounds
  vote <candidate>         Stake and vote for a candidate
  declare-winner           End the round (manager)
  withdraw                 Withdraw collected stakes (manager)
  reset                    Start a new round (manager, after a winner)
  change-owner <address>   Hand over the contract (manager, after a winner)
  disable                  Permanently disable the contract (manager)
  refresh                  Re-read all contract state
  use-account <address>    Switch the daemon's active account
  watch                    Stream live notifications`)
}
