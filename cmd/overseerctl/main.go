// Command overseerctl is the operator CLI for the overseer control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

const tokenEnv = "OVERSEER_TOKEN"

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	// hash-token never talks to the API.
	if command == "hash-token" {
		if err := hashToken(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	c := &client{
		baseURL: envOr("OVERSEER_ADDR", "http://127.0.0.1:8088"),
		token:   os.Getenv(tokenEnv),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch command {
	case "submit":
		err = requireArg(args, "plan file", func(plan string) error { return c.submit(plan) })
	case "status":
		err = requireArg(args, "run ID", func(runID string) error {
			return c.get("/v1/runs/" + runID)
		})
	case "abort":
		err = requireArg(args, "run ID", func(runID string) error {
			return c.post("/v1/runs/"+runID+"/abort", nil)
		})
	case "issues":
		err = requireArg(args, "run ID", func(runID string) error {
			return c.get("/v1/runs/" + runID + "/issues")
		})
	case "usage":
		err = requireArg(args, "run ID", func(runID string) error {
			return c.get("/v1/runs/" + runID + "/usage")
		})
	case "governance":
		err = requireArg(args, "run ID", func(runID string) error {
			return c.get("/v1/runs/" + runID + "/governance")
		})
	case "review":
		err = c.review(args)
	case "approve":
		err = requireArg(args, "request ID", func(reqID string) error { return c.resolve(reqID, true) })
	case "deny":
		err = requireArg(args, "request ID", func(reqID string) error { return c.resolve(reqID, false) })
	case "logs":
		component := ""
		if len(args) > 0 {
			component = args[0]
		}
		err = c.get("/v1/logs?component=" + component)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "overseerctl - control API client\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  overseerctl submit <plan.json>      Submit a run plan\n")
	fmt.Fprintf(os.Stderr, "  overseerctl status <run-id>         Show run state\n")
	fmt.Fprintf(os.Stderr, "  overseerctl abort <run-id>          Request cooperative abort\n")
	fmt.Fprintf(os.Stderr, "  overseerctl issues <run-id>         List deduplicated issues\n")
	fmt.Fprintf(os.Stderr, "  overseerctl usage <run-id>          Show aggregated token and cost usage\n")
	fmt.Fprintf(os.Stderr, "  overseerctl review <run-id> <phase-id> accept|reject [reason]\n")
	fmt.Fprintf(os.Stderr, "                                      Resolve a phase awaiting review\n")
	fmt.Fprintf(os.Stderr, "  overseerctl governance <run-id>     List pending approval requests\n")
	fmt.Fprintf(os.Stderr, "  overseerctl approve <request-id>    Approve a protected-path write\n")
	fmt.Fprintf(os.Stderr, "  overseerctl deny <request-id>       Deny a protected-path write\n")
	fmt.Fprintf(os.Stderr, "  overseerctl logs [component]        Tail recent daemon logs\n")
	fmt.Fprintf(os.Stderr, "  overseerctl hash-token              Hash a bearer token for the config\n\n")
	fmt.Fprintf(os.Stderr, "Environment:\n")
	fmt.Fprintf(os.Stderr, "  OVERSEER_ADDR   API base URL (default http://127.0.0.1:8088)\n")
	fmt.Fprintf(os.Stderr, "  %s  Bearer token for authenticated endpoints\n", tokenEnv)
}

func requireArg(args []string, name string, fn func(string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("%s is required", name)
	}
	return fn(args[0])
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// hashToken reads a token without echo and prints its bcrypt hash for the
// api.token_hash config field.
func hashToken() error {
	fmt.Fprint(os.Stderr, "Token: ")
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if len(token) == 0 {
		return fmt.Errorf("token is empty")
	}

	hash, err := bcrypt.GenerateFromPassword(token, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func (c *client) submit(planPath string) error {
	plan, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	if !json.Valid(plan) {
		return fmt.Errorf("plan %s is not valid JSON", planPath)
	}
	return c.post("/v1/runs", plan)
}

func (c *client) review(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: review <run-id> <phase-id> accept|reject [reason]")
	}
	runID, phaseID, verdict := args[0], args[1], args[2]
	if verdict != "accept" && verdict != "reject" {
		return fmt.Errorf("verdict must be accept or reject, got %q", verdict)
	}
	reason := ""
	if len(args) > 3 {
		reason = args[3]
	}
	body, err := json.Marshal(map[string]any{"approve": verdict == "accept", "reason": reason})
	if err != nil {
		return err
	}
	return c.post("/v1/runs/"+runID+"/phases/"+phaseID+"/review", body)
}

func (c *client) resolve(requestID string, approve bool) error {
	approver := envOr("USER", "operator")
	body, err := json.Marshal(map[string]any{"approve": approve, "approver": approver})
	if err != nil {
		return err
	}
	return c.post("/v1/governance/"+requestID+"/resolve", body)
}

func (c *client) get(path string) error {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body []byte) error {
	return c.do(http.MethodPost, path, body)
}

func (c *client) do(method, path string, body []byte) error {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Pretty-print JSON responses; pass through anything else.
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned %s", method, path, resp.Status)
	}
	return nil
}
