// ABOUTME: Terminal chat client for attache-gateway over the HTTP API.
// ABOUTME: Provides a readline-style loop with upload and stage commands.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

// getToken returns the JWT token from ATTACHE_TOKEN env var or ~/.config/attache/token file
func getToken() string {
	// Check env var first
	if token := os.Getenv("ATTACHE_TOKEN"); token != "" {
		return token
	}

	// Try to read from token file
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "attache", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// chatRequest is the JSON body sent to POST /api/chat.
type chatRequest struct {
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	IncludeRAG bool   `json:"include_rag"`
}

// chatResponse is the JSON response for chat and retry requests.
type chatResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

// chatError is the JSON error body for failed chat requests.
type chatError struct {
	Error     string `json:"error"`
	Phase     string `json:"phase"`
	Committed bool   `json:"committed"`
}

// uploadResponse is the JSON response from POST /api/upload.
type uploadResponse struct {
	Filename string `json:"filename"`
	Chars    int    `json:"chars"`
	Preview  string `json:"preview"`
}

// stageResponse is the JSON response from GET /api/stage/{id}.
type stageResponse struct {
	Documents []struct {
		Position int    `json:"position"`
		Filename string `json:"filename"`
		Chars    int    `json:"chars"`
	} `json:"documents"`
}

// historyResponse is the JSON response from GET /api/history/{id}.
type historyResponse struct {
	Turns []struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Documents int    `json:"documents"`
	} `json:"turns"`
}

type client struct {
	server    string
	sessionID string
	useRAG    bool
}

func main() {
	server := flag.String("server", "http://localhost:8000", "Gateway server URL")
	session := flag.String("session", "", "Session ID (default: new session)")
	useRAG := flag.Bool("rag", true, "Include retrieval context")
	flag.Parse()

	sessionID := *session
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Printf("attache-cli connected to %s\n", *server)
	gray.Printf("session: %s\n", sessionID)
	if getToken() != "" {
		gray.Println("auth: JWT token configured (ATTACHE_TOKEN)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{server: *server, sessionID: sessionID, useRAG: *useRAG}
	if err := c.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func (c *client) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "exit" || input == "quit" {
			return nil
		}

		if err := c.handleInput(ctx, input); err != nil {
			color.Red("[error] %v", err)
		}
		fmt.Println()
	}
}

func (c *client) handleInput(ctx context.Context, input string) error {
	switch {
	case input == "/help":
		printHelp()
		return nil
	case strings.HasPrefix(input, "/upload"):
		path := strings.TrimSpace(strings.TrimPrefix(input, "/upload"))
		if path == "" {
			return fmt.Errorf("usage: /upload <path>")
		}
		return c.upload(ctx, path)
	case input == "/stage":
		return c.listStage(ctx)
	case strings.HasPrefix(input, "/unstage"):
		index := strings.TrimSpace(strings.TrimPrefix(input, "/unstage"))
		if index == "" {
			return fmt.Errorf("usage: /unstage <index>")
		}
		return c.request(ctx, http.MethodDelete, "/api/stage/"+c.sessionID+"/"+index, nil, nil)
	case input == "/clear-stage":
		return c.request(ctx, http.MethodDelete, "/api/stage/"+c.sessionID, nil, nil)
	case input == "/history":
		return c.showHistory(ctx)
	case input == "/retry":
		return c.retry(ctx)
	case input == "/delete":
		if err := c.request(ctx, http.MethodDelete, "/api/history/"+c.sessionID, nil, nil); err != nil {
			return err
		}
		fmt.Println("Session deleted")
		return nil
	case strings.HasPrefix(input, "/"):
		return fmt.Errorf("unknown command %q, try /help", input)
	default:
		return c.chat(ctx, input)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /upload <path>    Upload a file; it is attached to your next message")
	fmt.Println("  /stage            List staged documents")
	fmt.Println("  /unstage <index>  Remove a staged document by position")
	fmt.Println("  /clear-stage      Remove all staged documents")
	fmt.Println("  /history          Show the session transcript")
	fmt.Println("  /retry            Re-run the model after a failure")
	fmt.Println("  /delete           Delete this session")
	fmt.Println("  /help             Show this help")
	fmt.Println("  /quit             Exit")
}

// chat sends a message and prints the reply. A post-commit failure is
// reported with a retry hint instead of being resent.
func (c *client) chat(ctx context.Context, message string) error {
	var reply chatResponse
	err := c.request(ctx, http.MethodPost, "/api/chat", chatRequest{
		SessionID:  c.sessionID,
		Message:    message,
		IncludeRAG: c.useRAG,
	}, &reply)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(reply.Response)
	return nil
}

func (c *client) retry(ctx context.Context) error {
	var reply chatResponse
	err := c.request(ctx, http.MethodPost, "/api/chat/"+c.sessionID+"/retry", map[string]bool{"include_rag": c.useRAG}, &reply)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(reply.Response)
	return nil
}

func (c *client) upload(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("session_id", c.sessionID); err != nil {
		return fmt.Errorf("building form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("building form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("building form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/api/upload", &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Staged %s (%d chars)\n", up.Filename, up.Chars)
	gray := color.New(color.FgHiBlack)
	gray.Println(truncate(up.Preview, 200))
	return nil
}

func (c *client) listStage(ctx context.Context) error {
	var stg stageResponse
	if err := c.request(ctx, http.MethodGet, "/api/stage/"+c.sessionID, nil, &stg); err != nil {
		return err
	}

	if len(stg.Documents) == 0 {
		fmt.Println("Stage is empty")
		return nil
	}

	fmt.Println("Staged documents:")
	for i, d := range stg.Documents {
		fmt.Printf("  [%d] %s (%d chars)\n", i, d.Filename, d.Chars)
	}
	return nil
}

func (c *client) showHistory(ctx context.Context) error {
	var hist historyResponse
	if err := c.request(ctx, http.MethodGet, "/api/history/"+c.sessionID, nil, &hist); err != nil {
		return err
	}

	if len(hist.Turns) == 0 {
		fmt.Println("No history yet")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, t := range hist.Turns {
		label := t.Role
		if t.Documents > 0 {
			label = fmt.Sprintf("%s +%d doc(s)", t.Role, t.Documents)
		}
		gray.Printf("--- %s ---\n", label)
		fmt.Println(truncate(t.Content, 500))
	}
	return nil
}

// request performs a JSON round trip. body and out may be nil.
func (c *client) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// responseError turns an error response into a readable message. Post-commit
// chat failures get a hint to /retry rather than resend.
func responseError(resp *http.Response) error {
	var ce chatError
	if err := json.NewDecoder(resp.Body).Decode(&ce); err == nil && ce.Error != "" {
		if ce.Committed {
			return fmt.Errorf("%s (your message was saved; use /retry instead of resending)", ce.Error)
		}
		return fmt.Errorf("%s", ce.Error)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
