// chat-client is the interactive front end: it publishes a prompt to the
// relay's subject as a request and blocks for the single correlated reply.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
)

type promptPayload struct {
	UserID string `json:"user_id"`
	Prompt string `json:"prompt"`
	MsgID  string `json:"msg_id,omitempty"`
}

func main() {
	server := pflag.String("server", nats.DefaultURL, "NATS server URL")
	subject := pflag.String("subject", "prompts", "subject the relay listens on")
	user := pflag.String("user", "", "user ID for the conversation (required)")
	prompt := pflag.String("prompt", "", "single prompt to send; omit for an interactive session")
	timeout := pflag.Duration("timeout", 2*time.Minute, "how long to wait for a reply")
	pflag.Parse()

	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "chat-client: --user is required")
		os.Exit(2)
	}

	conn, err := nats.Connect(*server, nats.Name("chat-client"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat-client: connect %s: %v\n", *server, err)
		os.Exit(1)
	}
	defer conn.Close()

	if *prompt != "" {
		if err := ask(conn, *subject, *user, *prompt, *timeout); err != nil {
			fmt.Fprintf(os.Stderr, "chat-client: %v\n", err)
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ask(conn, *subject, *user, line, *timeout); err != nil {
			fmt.Fprintf(os.Stderr, "chat-client: %v\n", err)
		}
	}
}

// ask sends one prompt and prints the reply text.
func ask(conn *nats.Conn, subject, user, prompt string, timeout time.Duration) error {
	payload, err := json.Marshal(promptPayload{
		UserID: user,
		Prompt: prompt,
		MsgID:  uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	msg, err := conn.Request(subject, payload, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return errors.New("timed out waiting for a reply")
		}
		return fmt.Errorf("request: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(msg.Data)))
	return nil
}
