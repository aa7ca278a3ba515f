// Package summary writes personalised match summaries with an LLM.
package summary

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

var (
	//go:embed prompts/headlines.md
	headlinesPrompt string
	//go:embed prompts/standard.md
	standardPrompt string
	//go:embed prompts/deep.md
	deepPrompt string
)

const (
	provider            = "gemini"
	defaultMaxLogLength = 200
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, prompt string, maxTokens int32) (string, error)
	Model() string
}

// level sets the prompt, how much listing text it carries and the output budget.
type level struct {
	template  string
	textLimit int
	maxTokens int32
}

var levels = map[matching.DetailLevel]level{
	matching.DetailHeadlines: {template: headlinesPrompt, textLimit: 500, maxTokens: 500},
	matching.DetailStandard:  {template: standardPrompt, textLimit: 2000, maxTokens: 500},
	matching.DetailDeep:      {template: deepPrompt, textLimit: 8000, maxTokens: 1500},
}

// Summarizer builds a prompt for the watch's detail level and returns the
// generated text.
type Summarizer struct {
	generator contentGenerator
	logger    *zap.Logger
	maxLogLen int
}

var _ pipeline.Summarizer = (*Summarizer)(nil)

func New(generator contentGenerator, log *zap.Logger, maxLogLength int) *Summarizer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	return &Summarizer{
		generator: generator,
		logger:    logger.WithFields(log, logger.AIFields(provider, generator.Model())...),
		maxLogLen: maxLogLength,
	}
}

func (s *Summarizer) Summarize(ctx context.Context, l *tender.Listing, w matching.Watch) (string, error) {
	if l == nil {
		return "", errors.New("listing is required")
	}

	lvl, ok := levels[w.DetailLevel]
	if !ok {
		lvl = levels[matching.DetailStandard]
	}
	prompt := buildPrompt(lvl, l, w)

	log := s.logger.With(zap.Int64(logger.FieldListingID, l.ID), zap.Int64(logger.FieldWatchID, w.ID))
	log.Debug("summary request",
		zap.String("detail_level", string(w.DetailLevel)),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.maxLogLen)))

	raw, err := s.generator.GenerateContent(ctx, prompt, lvl.maxTokens)
	if err != nil {
		return "", fmt.Errorf("summarizing listing %d: %w", l.ID, err)
	}

	out := cleanResponse(raw)
	log.Debug("summary response",
		zap.Int("response_length", utf8.RuneCountInString(out)),
		zap.String("response_preview", utils.TruncateForLog(out, s.maxLogLen)))

	if out == "" {
		return "", errors.New("summary is empty")
	}
	return out, nil
}

func buildPrompt(lvl level, l *tender.Listing, w matching.Watch) string {
	content := l.FullText
	if strings.TrimSpace(content) == "" {
		content = l.Description
	}

	closes := "Not specified"
	if l.ClosesAt != nil {
		closes = l.ClosesAt.UTC().Format("2006-01-02 15:04 MST")
	}

	r := strings.NewReplacer(
		"{{WATCH}}", w.Name,
		"{{MUST}}", orNone(w.KeywordsMust),
		"{{BONUS}}", orNone(w.KeywordsBonus),
		"{{SECTORS}}", orNone(w.PreferredSectors),
		"{{CERTIFICATIONS}}", orNone(w.CertificationsHeld),
		"{{REQUIRED}}", orNone(l.CertificationsRequired),
		"{{TITLE}}", l.Title,
		"{{DESCRIPTION}}", clip(l.Description, lvl.textLimit),
		"{{CONTENT}}", clip(content, lvl.textLimit),
		"{{BUYER}}", orDefault(l.BuyerOrg, "Not specified"),
		"{{CLOSES}}", closes,
		"{{VALUE}}", l.ValueString(),
	)
	return strings.TrimSpace(r.Replace(lvl.template))
}

// cleanResponse drops markdown fences some models wrap plain text in.
func cleanResponse(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```text")
		raw = strings.TrimPrefix(raw, "```")
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	return strings.TrimSpace(raw)
}

func clip(s string, limit int) string {
	s = utils.CollapseSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func orNone(values []string) string {
	if len(values) == 0 {
		return "None specified"
	}
	return strings.Join(values, ", ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
