package generator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func tokens(parts ...string) []Chunk {
	out := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, TokenChunk{Text: p})
	}
	return out
}

func TestReduce_FencedOutput(t *testing.T) {
	chunks := append(tokens("```json\n", `{"subject_line":"Hi","body":"B"}`, "\n```"), DoneChunk{TraceID: "tr-1"})

	require.Equal(t, Result{Subject: "Hi", Body: "B", TraceID: "tr-1"}, Reduce(chunks, ""))
}

func TestReduce_UnparseableWithErrorChunk(t *testing.T) {
	chunks := append(tokens("not json"), ErrorChunk{Message: "Failed to parse email JSON: bad"})

	res := Reduce(chunks, "tr-fallback")
	require.Equal(t, FailureSubject, res.Subject)
	require.Equal(t, "Failed to parse email JSON: bad", res.Body)
	require.Equal(t, "tr-fallback", res.TraceID)
}

func TestReduce_UnparseableWithoutErrorChunk(t *testing.T) {
	res := Reduce(tokens("Sure! Here is your email."), "")

	require.Equal(t, FailureSubject, res.Subject)
	require.True(t, strings.HasPrefix(res.Body, "Failed to parse email: "), res.Body)
	require.Empty(t, res.TraceID)
}

func TestReduce_DoneIDPreferredOverFallback(t *testing.T) {
	chunks := append(tokens("garbage"), DoneChunk{TraceID: "tr-done"})
	require.Equal(t, "tr-done", Reduce(chunks, "tr-fallback").TraceID)
}

func TestReduce_SuccessIgnoresFallback(t *testing.T) {
	res := Reduce(tokens(`{"subject_line":"S","body":"B"}`), "tr-fallback")
	require.Equal(t, Result{Subject: "S", Body: "B"}, res)
}

func TestReduce_ChunkSplitIndependent(t *testing.T) {
	text := "```json\n{\"subject_line\": \"Renewal\", \"body\": \"Dear team,\\nthanks.\"}\n```"
	want := Reduce(append(tokens(text), DoneChunk{TraceID: "t"}), "")

	for _, size := range []int{1, 2, 3, 7, 16} {
		var parts []string
		for i := 0; i < len(text); i += size {
			end := min(i+size, len(text))
			parts = append(parts, text[i:end])
		}
		got := Reduce(append(tokens(parts...), DoneChunk{TraceID: "t"}), "")
		require.Equal(t, want, got, "split size %d", size)
	}
}

func TestReduce_RoundTrip(t *testing.T) {
	cases := []Email{
		{Subject: "Q3 check-in", Body: "Hello,\n\nLet's talk."},
		{Subject: "", Body: ""},
		{Subject: `Quotes "here"`, Body: "tabs\tand ```fences```"},
		{Subject: "Unicode ✓", Body: "naïve café"},
	}
	for _, e := range cases {
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		got := Reduce([]Chunk{TokenChunk{Text: string(raw)}, DoneChunk{TraceID: "tr"}}, "")
		require.Equal(t, Result{Subject: e.Subject, Body: e.Body, TraceID: "tr"}, got)

		fenced := "```json\n" + string(raw) + "\n```"
		got = Reduce([]Chunk{TokenChunk{Text: fenced}}, "")
		require.Equal(t, e.Subject, got.Subject)
		require.Equal(t, e.Body, got.Body)
	}
}

func TestReduce_Deterministic(t *testing.T) {
	chunks := append(tokens("{", `"subject_line":"a"`, "}"), ErrorChunk{Message: "m"})
	require.Equal(t, Reduce(chunks, "x"), Reduce(chunks, "x"))
}

func TestReduce_EmptyStream(t *testing.T) {
	res := Reduce(nil, "tr-f")
	require.Equal(t, FailureSubject, res.Subject)
	require.Equal(t, "tr-f", res.TraceID)
}

func TestParseEmail_MissingFields(t *testing.T) {
	_, err := ParseEmail(`{"subject_line":"only"}`)
	require.ErrorContains(t, err, `missing "body"`)

	_, err = ParseEmail(`{"body":"only"}`)
	require.ErrorContains(t, err, `missing "subject_line"`)

	_, err = ParseEmail(`{"subject_line":1,"body":"b"}`)
	require.ErrorContains(t, err, "not a string")

	_, err = ParseEmail(`["subject_line"]`)
	require.Error(t, err)

	_, err = ParseEmail("null")
	require.Error(t, err)
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"```{\"a\":1}```", `{"a":1}`},
		{"```", ""},
		{"``````", ""},
		{"```json\n```", ""},
		{"  padded  ", "padded"},
		{"```json\n{\"a\":1}", "```json\n{\"a\":1}"},
		{"text ``` with fence inside", "text ``` with fence inside"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, StripFences(c.in), "input %q", c.in)
	}
}

func TestStripFences_IdempotentOnCleanText(t *testing.T) {
	for _, s := range []string{`{"subject_line":"a","body":"b"}`, "plain", ""} {
		once := StripFences(s)
		require.Equal(t, s, once)
		require.Equal(t, once, StripFences(once))
	}
}
