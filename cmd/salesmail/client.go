package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/tracking"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func(ctx context.Context) (*apiClient, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: clientBaseURL(cfg),
		token:   cfg.Server.APIToken,
		// Generations can take as long as the model timeout.
		httpClient: &http.Client{Timeout: cfg.Model.Timeout + 30*time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s, is salesmail serve running? (%w)", c.baseURL, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// decodeJSON decodes a 2xx body into v. Error replies are turned into an
// error carrying the server's detail or error message.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var shaped struct {
		Detail string `json:"detail"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		if shaped.Detail != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, shaped.Detail)
		}
		if shaped.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, shaped.Error.Message)
		}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- companies ---

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "List customer account names",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/companies")
		if err != nil {
			return err
		}
		var companies []struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &companies); err != nil {
			return err
		}
		if len(companies) == 0 {
			fmt.Println("No customers found.")
			return nil
		}
		for _, c := range companies {
			fmt.Println(c.Name)
		}
		return nil
	},
}

// --- customer ---

var customerCmd = &cobra.Command{
	Use:   "customer <name>",
	Short: "Show a customer record",
	Long: `Show a customer record.

Examples:
  salesmail customer "Acme Corp"
  salesmail customer "Acme Corp" --markdown`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		markdown, _ := cmd.Flags().GetBool("markdown")

		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}

		path := "/api/customer/" + url.PathEscape(args[0])
		if markdown {
			path += "/markdown"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		if markdown {
			var md struct {
				Content string `json:"content"`
			}
			if err := decodeJSON(resp, &md); err != nil {
				return err
			}
			fmt.Println(md.Content)
			return nil
		}

		var record any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}
		return printJSON(record)
	},
}

func init() {
	customerCmd.Flags().Bool("markdown", false, "show the record as the model sees it")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <name>",
	Short: "Generate a follow-up email for a customer",
	Long: `Generate a follow-up email for a customer.

Examples:
  salesmail generate "Acme Corp"
  salesmail generate "Acme Corp" --instructions "mention the renewal" --stream`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instructions, _ := cmd.Flags().GetString("instructions")
		stream, _ := cmd.Flags().GetBool("stream")
		html, _ := cmd.Flags().GetBool("html")

		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}

		req := generator.Request{CustomerName: args[0], UserInput: instructions}
		var res generator.Result
		if stream {
			res, err = streamEmail(cmd.Context(), client, req, os.Stderr)
		} else {
			var resp *http.Response
			resp, err = client.post(cmd.Context(), "/api/generate-email-with-retrieval/", req)
			if err == nil {
				err = decodeJSON(resp, &res)
			}
		}
		if err != nil {
			return err
		}
		return printEmail(res, html)
	},
}

func init() {
	generateCmd.Flags().String("instructions", "", "extra instructions for the email")
	generateCmd.Flags().Bool("stream", false, "show tokens as they arrive")
	generateCmd.Flags().Bool("html", false, "render the body as HTML")
}

// streamEmail reads the event stream, echoing tokens to progress, and
// reduces the chunks to a Result the same way the server does.
func streamEmail(ctx context.Context, client *apiClient, req generator.Request, progress io.Writer) (generator.Result, error) {
	resp, err := client.post(ctx, "/api/generate-email-stream-with-retrieval/", req)
	if err != nil {
		return generator.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return generator.Result{}, responseError(resp)
	}

	var chunks []generator.Chunk
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var f struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			TraceID string `json:"trace_id"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return generator.Result{}, fmt.Errorf("decoding event: %w", err)
		}
		switch {
		case f.Type == "token":
			fmt.Fprint(progress, f.Content)
			chunks = append(chunks, generator.TokenChunk{Text: f.Content})
		case f.Type == "error":
			chunks = append(chunks, generator.ErrorChunk{Message: f.Error})
		case f.Type == "done" && f.TraceID != "":
			chunks = append(chunks, generator.DoneChunk{TraceID: f.TraceID})
		}
	}
	fmt.Fprintln(progress)
	if err := sc.Err(); err != nil {
		return generator.Result{}, fmt.Errorf("reading stream: %w", err)
	}
	if len(chunks) == 0 {
		return generator.Result{}, errors.New("stream ended without output")
	}
	return generator.Reduce(chunks, ""), nil
}

func printEmail(res generator.Result, html bool) error {
	body := res.Body
	if html {
		rendered, err := document.RenderHTML(body)
		if err != nil {
			return err
		}
		body = rendered
	}
	fmt.Printf("%s %s\n\n%s\n", colorize(colorBold, "Subject:"), res.Subject, body)
	if res.TraceID != "" {
		printStatus("Trace", "%s", res.TraceID)
	}
	return nil
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <trace-id>",
	Short: "Rate a generated email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		up, _ := cmd.Flags().GetBool("up")
		down, _ := cmd.Flags().GetBool("down")
		comment, _ := cmd.Flags().GetString("comment")
		rep, _ := cmd.Flags().GetString("rep")

		if up == down {
			return errors.New("exactly one of --up or --down is required")
		}
		rating := "up"
		if down {
			rating = "down"
		}

		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/feedback", map[string]string{
			"trace_id":       args[0],
			"rating":         rating,
			"comment":        comment,
			"sales_rep_name": rep,
		})
		if err != nil {
			return err
		}
		var res tracking.FeedbackResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		printSuccess("%s", res.Message)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("up", false, "thumbs up")
	feedbackCmd.Flags().Bool("down", false, "thumbs down")
	feedbackCmd.Flags().String("comment", "", "optional comment")
	feedbackCmd.Flags().String("rep", "", "sales rep name")
}
