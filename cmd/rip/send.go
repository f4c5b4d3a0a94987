package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/rip-run/rip/internal/authority"
	"github.com/rip-run/rip/internal/config"
)

// sendCommand posts one line of input to a session, creating a new session
// first if none is given. It prints the session id so the caller can pass it
// to "rip attach" or a later "rip send --session".
func sendCommand() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "send [input]",
		Short: "Send input to a rip session, creating one if --session is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), sessionID, args[0])
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id; a new session is created if omitted")
	return cmd
}

func runSend(ctx context.Context, sessionID, input string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("rip send: load config: %w", err)
	}
	endpoint, err := authority.EnsureLocalAuthority(cfg.DataDir, cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("rip send: %w", err)
	}

	client := &http.Client{}

	if sessionID == "" {
		sessionID, err = createSession(ctx, client, endpoint)
		if err != nil {
			return fmt.Errorf("rip send: create session: %w", err)
		}
	}

	body, _ := json.Marshal(map[string]string{"input": input})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/sessions/"+sessionID+"/input", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rip send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rip send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("rip send: unexpected status %s", resp.Status)
	}

	fmt.Println(sessionID)
	return nil
}

func createSession(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/sessions/", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %s: %s", resp.Status, string(data))
	}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.SessionID, nil
}
