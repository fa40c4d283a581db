// Package agentcli implements the marketagent operator commands. Each command
// posts to one of the server-signed agent routes and prints the reconciliation
// outcome.
package agentcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const (
	defaultURL     = "http://localhost:8080"
	defaultTimeout = 90 * time.Second
)

// APIError is an error envelope returned by the server.
type APIError struct {
	Status        int                    `json:"-"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlationId"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s [correlation %s]", e.Code, e.Status, e.Message, e.CorrelationID)
}

// RetrySafe reports whether the server said nothing was recorded.
func (e *APIError) RetrySafe() bool {
	v, _ := e.Details["retrySafe"].(bool)
	return v
}

// Client calls the agent routes with the shared API key.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// Post sends body to path and returns the data member of the response.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return env.Data, nil
}

// outcome is the subset of the reconcile response the CLI inspects.
type outcome struct {
	Recorded bool   `json:"recorded"`
	Warning  string `json:"warning"`
	TxHash   string `json:"txHash"`
}

type options struct {
	url     string
	apiKey  string
	timeout time.Duration
}

// NewRootCommand builds the marketagent command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "marketagent",
		Short:         "Drive escrow transactions through the marketplace agent routes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("MKT_AGENT_URL", defaultURL), "marketplace base URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("MKT_AGENT_API_KEY"), "agent API key")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall request timeout")

	root.AddCommand(
		createRequestCmd(opts),
		submitBidCmd(opts),
		acceptBidCmd(opts),
		requestRefCmd(opts, "deliver-job", "Mark a job delivered", "/api/agents/deliver-job"),
		requestRefCmd(opts, "approve-delivery", "Approve a delivery and release escrow", "/api/agents/approve-delivery"),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// run posts body and prints the result. A confirmed but unrecorded
// transaction is reported on stderr without failing the command.
func run(cmd *cobra.Command, opts *options, path string, body interface{}) error {
	if opts.apiKey == "" {
		return fmt.Errorf("--api-key or MKT_AGENT_API_KEY is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	c := &Client{BaseURL: opts.url, APIKey: opts.apiKey, HTTP: &http.Client{Timeout: opts.timeout}}
	data, err := c.Post(ctx, path, body)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.RetrySafe() {
			fmt.Fprintln(cmd.ErrOrStderr(), "nothing was recorded; the command can be retried")
		}
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())

	var o outcome
	if err := json.Unmarshal(data, &o); err == nil && !o.Recorded {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s confirmed but not recorded: %s\n", o.TxHash, o.Warning)
	}
	return nil
}

// etherAmount checks that v is a positive decimal ether amount.
func etherAmount(flag, v string) error {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("--%s %q is not a decimal amount", flag, v)
	}
	if !d.IsPositive() {
		return fmt.Errorf("--%s must be positive", flag)
	}
	return nil
}

func createRequestCmd(opts *options) *cobra.Command {
	var (
		wallet, title, desc, budget, deadline string
		lat, lng                              float64
	)
	cmd := &cobra.Command{
		Use:   "create-request",
		Short: "Create a service request funded in ether",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := etherAmount("budget", budget); err != nil {
				return err
			}
			dl, err := time.Parse(time.RFC3339, deadline)
			if err != nil {
				return fmt.Errorf("--deadline must be RFC 3339: %w", err)
			}
			body := map[string]interface{}{
				"title":       title,
				"description": desc,
				"locationLat": lat,
				"locationLng": lng,
				"budget":      budget,
				"deadline":    dl.UTC().Format(time.RFC3339),
			}
			if wallet != "" {
				body["walletAddress"] = wallet
			}
			return run(cmd, opts, "/api/agents/create-request", body)
		},
	}
	f := cmd.Flags()
	f.StringVar(&wallet, "wallet", "", "consumer wallet recorded on the request (defaults to the agent address)")
	f.StringVar(&title, "title", "", "request title")
	f.StringVar(&desc, "description", "", "request description")
	f.Float64Var(&lat, "lat", 0, "latitude of the job site")
	f.Float64Var(&lng, "lng", 0, "longitude of the job site")
	f.StringVar(&budget, "budget", "", "budget in ether")
	f.StringVar(&deadline, "deadline", "", "deadline, RFC 3339")
	for _, name := range []string{"title", "description", "budget", "deadline"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func submitBidCmd(opts *options) *cobra.Command {
	var (
		requestID, timeline int64
		amount              string
	)
	cmd := &cobra.Command{
		Use:   "submit-bid",
		Short: "Bid on a request as the agent address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := etherAmount("amount", amount); err != nil {
				return err
			}
			return run(cmd, opts, "/api/agents/submit-bid", map[string]interface{}{
				"requestId": requestID,
				"amount":    amount,
				"timeline":  timeline,
			})
		},
	}
	f := cmd.Flags()
	f.Int64Var(&requestID, "request-id", 0, "on-chain request ID")
	f.StringVar(&amount, "amount", "", "bid amount in ether")
	f.Int64Var(&timeline, "timeline", 0, "delivery timeline in days (1-365)")
	for _, name := range []string{"request-id", "amount", "timeline"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func acceptBidCmd(opts *options) *cobra.Command {
	var (
		requestID, bidID int64
		amount           string
	)
	cmd := &cobra.Command{
		Use:   "accept-bid",
		Short: "Accept a bid and pay its amount into escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := etherAmount("amount", amount); err != nil {
				return err
			}
			return run(cmd, opts, "/api/agents/accept-bid", map[string]interface{}{
				"requestId": requestID,
				"bidId":     bidID,
				"amount":    amount,
			})
		},
	}
	f := cmd.Flags()
	f.Int64Var(&requestID, "request-id", 0, "on-chain request ID")
	f.Int64Var(&bidID, "bid-id", 0, "on-chain bid ID")
	f.StringVar(&amount, "amount", "", "escrow payment in ether")
	for _, name := range []string{"request-id", "bid-id", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func requestRefCmd(opts *options, use, short, path string) *cobra.Command {
	var requestID int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, path, map[string]interface{}{"requestId": requestID})
		},
	}
	cmd.Flags().Int64Var(&requestID, "request-id", 0, "on-chain request ID")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}
