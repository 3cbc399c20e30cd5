package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusrepl/auth"
	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/metadata"
	"github.com/INLOpen/nexusrepl/transport"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	hashCmd := flag.NewFlagSet("hash-secret", flag.ExitOnError)

	appendCmd := flag.NewFlagSet("append", flag.ExitOnError)
	appendDir := appendCmd.String("data-dir", "./data", "Data directory of the local cluster.")
	appendStream := appendCmd.String("stream", "", "Stream the record belongs to.")
	appendPayload := appendCmd.String("record", "", "Record payload.")

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusDir := statusCmd.String("data-dir", "./data", "Data directory of the local cluster.")

	leaderCmd := flag.NewFlagSet("leader", flag.ExitOnError)
	leaderConfig := leaderCmd.String("config", "config.yaml", "Path to the configuration file.")
	leaderEndpoint := leaderCmd.String("endpoint", "", "Endpoint of the node to query.")

	var err error
	switch os.Args[1] {
	case "hash-secret":
		hashCmd.Parse(os.Args[2:])
		err = handleHashSecret()
	case "append":
		appendCmd.Parse(os.Args[2:])
		err = handleAppend(*appendDir, *appendStream, *appendPayload)
	case "status":
		statusCmd.Parse(os.Args[2:])
		err = handleStatus(os.Stdout, *statusDir)
	case "leader":
		leaderCmd.Parse(os.Args[2:])
		err = handleLeader(*leaderConfig, *leaderEndpoint)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: repl-admin <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  hash-secret - Hash a peer secret for security.peers")
	fmt.Println("  append      - Append a record to the local changelog")
	fmt.Println("  status      - Print the persisted replication status")
	fmt.Println("  leader      - Ask a node whether it is the replication leader")
	fmt.Println("\nUse 'repl-admin <command> -h' for more information on a specific command.")
}

func handleHashSecret() error {
	fmt.Print("Enter secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	fmt.Print("Confirm secret: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read secret confirmation: %w", err)
	}
	if string(secret) != string(confirm) {
		return fmt.Errorf("secrets do not match")
	}
	hash, err := auth.HashSecret(string(secret))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// appendRecord writes one single-record entry at the version after the tail.
func appendRecord(dataDir, stream, record string) (int64, error) {
	if stream == "" {
		return 0, fmt.Errorf("-stream is required")
	}
	l, err := changelog.Open(changelog.Options{Dir: filepath.Join(dataDir, "changelog")})
	if err != nil {
		return 0, err
	}
	defer l.Close()

	version := l.Tail() + 1
	if version <= 0 {
		version = 1
	}
	entry := core.OpaqueEntry{Version: version, Updates: map[string][][]byte{stream: {[]byte(record)}}}
	if err := l.Append(entry); err != nil {
		return 0, err
	}
	return version, l.Sync()
}

func handleAppend(dataDir, stream, record string) error {
	version, err := appendRecord(dataDir, stream, record)
	if err != nil {
		return err
	}
	fmt.Printf("Appended version %d to stream %s.\n", version, stream)
	return nil
}

func handleStatus(w io.Writer, dataDir string) error {
	store, err := metadata.Open(filepath.Join(dataDir, "metadata"), nil)
	if err != nil {
		return err
	}
	statuses := store.Statuses()
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No replication sessions.")
		return nil
	}
	sessions := make([]core.Session, 0, len(statuses))
	for s := range statuses {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].String() < sessions[j].String() })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTOPOLOGY\tSYNC\tSTATUS\tSNAPSHOT\tLAST_BATCH\tREMAINING")
	for _, s := range sessions {
		st := statuses[s]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%d\n", s, st.TopologyConfigID, st.SyncType, st.SyncStatus,
			st.LastSnapshotApplied, st.LastLogEntryBatchProcessed, st.RemainingEntriesToSend)
	}
	return tw.Flush()
}

func handleLeader(configPath, endpoint string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if endpoint == "" {
		endpoint = cfg.Server.ListenAddress
	}
	clientCfg := transport.ClientConfig{LocalClusterID: cfg.Cluster.LocalClusterID, TLS: cfg.Server.TLS}
	if cfg.Security.Enabled {
		clientCfg.Secret = cfg.Security.ClusterSecret
	}
	client, err := transport.NewClient("", endpoint, clientCfg, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Server.DialTimeout, 5*time.Second, nil))
	defer cancel()
	resp, err := client.QueryLeadership(ctx, cfg.Cluster.LocalClusterID)
	if err != nil {
		return err
	}
	fmt.Printf("cluster=%s leader=%t\n", resp.ClusterID, resp.Leader)
	return nil
}
