package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/tracking"
)

type company struct {
	Name string `json:"name"`
}

func handleCompanies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := deps.Customers.Names()
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "%v", err)
			return
		}
		out := make([]company, 0, len(names))
		for _, n := range names {
			out = append(out, company{Name: n})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCustomer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupCustomer(w, deps, chi.URLParam(r, "name"))
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(rec.Raw)
	}
}

type customerMarkdown struct {
	CustomerName string `json:"customer_name"`
	Format       string `json:"format"`
	Content      string `json:"content"`
}

// handleCustomerMarkdown shows the record as the model sees it. With
// ?format=html the markdown is rendered for a browser preview.
func handleCustomerMarkdown(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupCustomer(w, deps, chi.URLParam(r, "name"))
		if !ok {
			return
		}
		out := customerMarkdown{
			CustomerName: rec.Name,
			Format:       "markdown",
			Content:      document.Join(rec.Documents()),
		}
		if r.URL.Query().Get("format") == "html" {
			html, err := document.RenderHTML(out.Content)
			if err != nil {
				writeDetail(w, http.StatusInternalServerError, "%v", err)
				return
			}
			out.Format, out.Content = "html", html
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func lookupCustomer(w http.ResponseWriter, deps Deps, name string) (customer.Record, bool) {
	rec, err := deps.Customers.Lookup(name)
	switch {
	case errors.Is(err, customer.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Customer '%s' not found", name)
		return customer.Record{}, false
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, "%v", err)
		return customer.Record{}, false
	}
	return rec, true
}

func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (generator.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req generator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return req, false
	}
	if req.CustomerName == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "customer_name is required")
		return req, false
	}
	return req, true
}

// statusFor maps a generation failure to its HTTP status.
func statusFor(err error) int {
	switch generator.KindOf(err) {
	case generator.KindNotFound:
		return http.StatusNotFound
	case generator.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		res, err := deps.Generator.Generate(r.Context(), req)
		if err != nil {
			deps.Logger.Warn("generation failed", "customer", req.CustomerName, "kind", generator.KindOf(err), "error", err)
			writeDetail(w, statusFor(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// frame is one server-sent event. Fields are omitted when empty, so the
// closing frame encodes as {"type":"done"}.
type frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func frameFor(c generator.Chunk) frame {
	switch c := c.(type) {
	case generator.TokenChunk:
		return frame{Type: "token", Content: c.Text}
	case generator.DoneChunk:
		return frame{Type: "done", TraceID: c.TraceID}
	case generator.ErrorChunk:
		return frame{Type: "error", Error: c.Message}
	default:
		return frame{Type: "error", Error: fmt.Sprintf("unknown chunk %T", c)}
	}
}

// handleGenerateStream relays the generation as server-sent events. Errors
// become error frames and every stream ends with a bare done frame.
func handleGenerateStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeDetail(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		send := func(f frame) bool {
			b, err := json.Marshal(f)
			if err != nil {
				deps.Logger.Error("encoding stream frame failed", "error", err)
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		for c, err := range deps.Generator.Stream(r.Context(), req) {
			if err != nil {
				deps.Logger.Warn("stream failed", "customer", req.CustomerName, "kind", generator.KindOf(err), "error", err)
				send(frame{Type: "error", Error: err.Error()})
				break
			}
			if !send(frameFor(c)) {
				// Client went away; stopping the range closes the model stream.
				return
			}
		}
		send(frame{Type: "done"})
	}
}

type feedbackRequest struct {
	TraceID      string `json:"trace_id"`
	Rating       string `json:"rating"`
	Comment      string `json:"comment"`
	SalesRepName string `json:"sales_rep_name"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: %v", err)
			return
		}
		if req.TraceID == "" {
			writeDetail(w, http.StatusUnprocessableEntity, "trace_id is required")
			return
		}
		if req.Rating != "up" && req.Rating != "down" {
			writeDetail(w, http.StatusUnprocessableEntity, "rating must be 'up' or 'down'")
			return
		}

		res := tracking.SubmitFeedback(r.Context(), deps.Feedback, tracking.Feedback{
			TraceID:  req.TraceID,
			Positive: req.Rating == "up",
			Comment:  req.Comment,
			Rater:    req.SalesRepName,
		})
		writeJSON(w, http.StatusOK, res)
	}
}
