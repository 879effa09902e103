// rooster is the command-line client of a Resume Rooster server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/resume-rooster/internal/client"
	"github.com/ashureev/resume-rooster/internal/clientstate"
	"github.com/ashureev/resume-rooster/internal/identity"
)

const (
	defaultServer = "http://localhost:8080"
	stateFileName = "state.yaml"
	idFileName    = "client_id"
)

var (
	serverURL string
	statePath string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "rooster",
	Short:         "Build a resume with the Resume Rooster assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ROOSTER_SERVER", defaultServer), "server URL")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", envOr("ROOSTER_STATE", defaultStatePath()), "client state file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "resume-rooster", stateFileName)
}

func stateStore() *clientstate.FileStore {
	return clientstate.NewFileStore(statePath)
}

// apiClient returns a client identified by the device ID kept next to the
// state file, minting one on first use.
func apiClient() (*client.Client, error) {
	id, err := clientID(filepath.Join(filepath.Dir(statePath), idFileName))
	if err != nil {
		return nil, err
	}
	return client.New(serverURL, id), nil
}

func clientID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read client id: %w", err)
	}

	id := identity.NewClientID()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client id: %w", err)
	}
	return id, nil
}
