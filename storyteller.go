package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const storytellerSystemPrompt = `You are a dramatic storyteller for a medieval werewolf game. When players die, you tell a short atmospheric story about their fate. Keep it to 2-3 sentences. Be gothic and dramatic, fitting for a village plagued by werewolves. Never guess or reveal anyone's role.`

const narrationTimeout = 30 * time.Second

// Storyteller generates a dramatic story from the public history of a game.
// onChunk is called with each text chunk as it streams in.
type Storyteller interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

type llmStoryteller struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (s *llmStoryteller) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman,
			"Game history so far:\n"+strings.Join(history, "\n")+
				"\n\nTell a short dramatic story (2-3 sentences) about what just happened to the fallen."),
	}

	var fullText strings.Builder
	opts := append(append([]llms.CallOption(nil), s.callOpts...), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := s.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig, log zerolog.Logger) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.StorytellerTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.StorytellerTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Info().Float64("temperature", f).Msg("storyteller temperature set")
		} else {
			log.Warn().Err(err).Str("temperature", cfg.StorytellerTemperature).Msg("invalid storyteller temperature")
		}
	}

	if cfg.StorytellerThinking != "" {
		mode := llms.ThinkingMode(cfg.StorytellerThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Info().Str("thinking", string(mode)).Msg("storyteller thinking mode set")
		default:
			log.Warn().Str("thinking", cfg.StorytellerThinking).Msg("invalid storyteller thinking mode (valid: none, low, medium, high, auto)")
		}
	}

	return opts
}

// newStoryteller builds the configured LLM storyteller. It returns nil, nil
// when no provider is configured.
func newStoryteller(ctx context.Context, cfg AppConfig, log zerolog.Logger) (Storyteller, error) {
	model := cfg.StorytellerModel
	callOpts := buildCallOpts(cfg, log)
	wrap := func(llm llms.Model) Storyteller {
		return &llmStoryteller{llm: llm, systemPrompt: storytellerSystemPrompt, callOpts: callOpts}
	}

	var (
		llm llms.Model
		err error
	)
	switch cfg.StorytellerProvider {
	case "":
		log.Info().Msg("storyteller disabled (set storyteller_provider to enable)")
		return nil, nil
	case "ollama":
		llm, err = ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.StorytellerOllamaURL))
	case "openai":
		llm, err = openai.New(openai.WithModel(model))
	case "claude":
		llm, err = anthropic.New(anthropic.WithModel(model))
	case "gemini":
		llm, err = googleai.New(ctx, googleai.WithDefaultModel(model))
	case "groq":
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
	case "openai-compatible":
		if cfg.StorytellerURL == "" {
			return nil, errors.New("storyteller_url is required for openai-compatible provider")
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.StorytellerURL),
		}
		if cfg.StorytellerAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.StorytellerAPIKey))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown storyteller provider %q", cfg.StorytellerProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s storyteller: %w", cfg.StorytellerProvider, err)
	}
	log.Info().Str("provider", cfg.StorytellerProvider).Str("model", model).Msg("storyteller enabled")
	return wrap(llm), nil
}

// Narrator turns deaths into PUBLIC story events. Only one narration per game
// runs at a time; requests arriving meanwhile are dropped.
type Narrator struct {
	teller Storyteller
	engine *Engine
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

func NewNarrator(teller Storyteller, log zerolog.Logger) *Narrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Narrator{
		teller:   teller,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
}

// Narrate asynchronously tells a story about the public history of gameID.
func (n *Narrator) Narrate(gameID string) {
	if n == nil || n.teller == nil || n.engine == nil {
		return
	}
	n.mu.Lock()
	if n.inflight[gameID] || n.ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	n.inflight[gameID] = true
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.inflight, gameID)
			n.mu.Unlock()
		}()
		if err := n.narrate(gameID); err != nil {
			n.log.Warn().Err(err).Str("game_id", gameID).Msg("narration failed")
		}
	}()
}

func (n *Narrator) narrate(gameID string) error {
	ctx, cancel := context.WithTimeout(n.ctx, narrationTimeout)
	defer cancel()

	events, err := n.engine.Events(ctx, gameID, "", 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history := describeEvents(events)
	if len(history) == 0 {
		return nil
	}

	text, err := n.teller.Tell(ctx, history, nil)
	if err != nil {
		return fmt.Errorf("tell story: %w", err)
	}
	if text == "" {
		return nil
	}
	if err := n.engine.AppendStory(ctx, gameID, text); err != nil {
		return fmt.Errorf("append story: %w", err)
	}
	n.log.Debug().Str("game_id", gameID).Msg("story appended")
	return nil
}

// Wait blocks until all running narrations are done.
func (n *Narrator) Wait() {
	n.wg.Wait()
}

// Close aborts running narrations and waits for them.
func (n *Narrator) Close() {
	n.mu.Lock()
	n.cancel()
	n.mu.Unlock()
	n.wg.Wait()
}

// describeEvents renders public events as history lines for the storyteller.
// Non-public events are skipped.
func describeEvents(events []GameEvent) []string {
	var lines []string
	for _, e := range events {
		if e.Visibility != VisibilityPublic {
			continue
		}
		if line := describeEvent(e); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func describeEvent(e GameEvent) string {
	name, _ := e.Payload["nickname"].(string)
	when := fmt.Sprintf("Day %d", e.Day)
	if e.Phase == PhaseNight {
		when = fmt.Sprintf("Night %d", e.Day)
	}
	switch e.Type {
	case EventGameStarted:
		return "The game began."
	case EventPlayerKilled:
		return fmt.Sprintf("%s: %s was found dead.", when, name)
	case EventNoDeaths:
		return fmt.Sprintf("%s: nobody died.", when)
	case EventPlayerEliminated:
		return fmt.Sprintf("%s: the village executed %s.", when, name)
	case EventNoElimination:
		return fmt.Sprintf("%s: the village could not agree on anyone.", when)
	case EventGameEnded:
		side, _ := e.Payload["winning_side"].(string)
		return fmt.Sprintf("The game ended. Winners: %s.", strings.ToLower(side))
	case EventStory:
		text, _ := e.Payload["text"].(string)
		return "Story so far: " + text
	}
	return ""
}
