package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

type stubGenerator struct {
	response   string
	err        error
	lastPrompt string
	lastTokens int32
}

func (s *stubGenerator) GenerateContent(_ context.Context, prompt string, maxTokens int32) (string, error) {
	s.lastPrompt = prompt
	s.lastTokens = maxTokens
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubGenerator) Model() string { return "stub-model" }

func int64p(v int64) *int64 { return &v }

func sampleListing() *tender.Listing {
	closes := time.Date(2026, 11, 2, 3, 0, 0, 0, time.UTC)
	l := &tender.Listing{
		ID:          11,
		Title:       "Western Sydney roadworks panel",
		Description: "Resurfacing   and drainage works across three councils.",
		FullText:    "Full tender documentation covering resurfacing, kerbs and stormwater drainage.",
		BuyerOrg:    "Transport for NSW",
		ClosesAt:    &closes,
		ValueLow:    int64p(250_000),
		ValueHigh:   int64p(1_000_000),
	}
	l.CertificationsRequired = []string{"ISO 9001"}
	return l
}

func sampleWatch(level matching.DetailLevel) matching.Watch {
	return matching.Watch{
		ID: 3, Name: "Civil works", DetailLevel: level,
		KeywordsMust:  []string{"roadworks", "drainage"},
		KeywordsBonus: []string{"stormwater"},
	}
}

func TestSummarizePromptPerDetailLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level      matching.DetailLevel
		tokens     int32
		contains   []string
		notContain []string
	}{
		{
			level:      matching.DetailHeadlines,
			tokens:     500,
			contains:   []string{"ONE sentence", "Transport for NSW", "$250,000 - $1,000,000", "2026-11-02", "Resurfacing and drainage"},
			notContain: []string{"Civil works", "Full tender documentation"},
		},
		{
			level:    matching.DetailStandard,
			tokens:   500,
			contains: []string{`"Civil works"`, "roadworks, drainage", "stormwater", "Sectors: None specified"},
		},
		{
			level:    matching.DetailDeep,
			tokens:   1500,
			contains: []string{"Full tender documentation", "Certifications required: ISO 9001", "Certifications held: None specified"},
		},
		{
			level:    "",
			tokens:   500,
			contains: []string{"3-4 sentence summary"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()

			stub := &stubGenerator{response: "Roadworks panel worth up to $1m closing 2 Nov."}
			s := New(stub, zap.NewNop(), 0)

			got, err := s.Summarize(context.Background(), sampleListing(), sampleWatch(tt.level))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != stub.response {
				t.Fatalf("unexpected summary %q", got)
			}
			if stub.lastTokens != tt.tokens {
				t.Errorf("expected %d max tokens, got %d", tt.tokens, stub.lastTokens)
			}
			for _, want := range tt.contains {
				if !strings.Contains(stub.lastPrompt, want) {
					t.Errorf("prompt is missing %q:\n%s", want, stub.lastPrompt)
				}
			}
			for _, unwanted := range tt.notContain {
				if strings.Contains(stub.lastPrompt, unwanted) {
					t.Errorf("prompt should not contain %q", unwanted)
				}
			}
			if strings.Contains(stub.lastPrompt, "{{") {
				t.Errorf("prompt has unreplaced placeholders:\n%s", stub.lastPrompt)
			}
		})
	}
}

func TestSummarizeClipsLongText(t *testing.T) {
	t.Parallel()

	l := sampleListing()
	l.Description = strings.Repeat("a", 600)

	stub := &stubGenerator{response: "ok"}
	if _, err := New(stub, nil, 0).Summarize(context.Background(), l, sampleWatch(matching.DetailHeadlines)); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stub.lastPrompt, strings.Repeat("a", 501)) {
		t.Fatal("expected the description to be clipped to 500 characters")
	}
}

func TestSummarizeErrors(t *testing.T) {
	t.Parallel()

	stub := &stubGenerator{err: errors.New("quota exceeded")}
	s := New(stub, nil, 0)
	if _, err := s.Summarize(context.Background(), sampleListing(), sampleWatch(matching.DetailStandard)); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected generator error, got %v", err)
	}

	stub.err = nil
	stub.response = "```\n```"
	if _, err := s.Summarize(context.Background(), sampleListing(), sampleWatch(matching.DetailStandard)); err == nil {
		t.Fatal("expected an empty summary to fail")
	}

	if _, err := s.Summarize(context.Background(), nil, sampleWatch(matching.DetailStandard)); err == nil {
		t.Fatal("expected a nil listing to fail")
	}
}

func TestSummarizeLogsProviderFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	stub := &stubGenerator{response: "```text\nA short summary.\n```"}

	got, err := New(stub, zap.New(core), 20).Summarize(context.Background(), sampleListing(), sampleWatch(matching.DetailHeadlines))
	if err != nil {
		t.Fatal(err)
	}
	if got != "A short summary." {
		t.Fatalf("expected fences stripped, got %q", got)
	}

	entries := logs.FilterMessage("summary request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["ai_provider"] != "gemini" || fields["ai_model"] != "stub-model" {
		t.Fatalf("unexpected provider fields %v", fields)
	}
	if preview, _ := fields["prompt_preview"].(string); len([]rune(preview)) > 23 {
		t.Fatalf("expected preview truncated, got %q", preview)
	}
}

func TestJoinCandidates(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		nil,
		{Content: &genai.Content{Parts: []*genai.Part{{Text: " first "}, nil, {Text: ""}}}},
		{Content: &genai.Content{Parts: []*genai.Part{{Text: "second"}}}},
	}}
	got, err := joinCandidates(resp)
	if err != nil || got != "first\nsecond" {
		t.Fatalf("got %q, %v", got, err)
	}

	if _, err := joinCandidates(&genai.GenerateContentResponse{}); err == nil {
		t.Fatal("expected an empty response to fail")
	}
}
