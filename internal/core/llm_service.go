package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"drsamy.app/chat/internal/store"
)

const (
	responseTemperature = float32(0.7)
	titleTemperature    = float32(0.5)
	attachmentMIMEType  = "image/jpeg"
	requestTimeout      = 60 * time.Second

	// FallbackResponse is returned when the service answered with no text or
	// could not be reached.
	FallbackResponse = "Désolé, je ne peux pas répondre pour le moment."
	// NotConfiguredResponse is returned when no API key is configured.
	NotConfiguredResponse = "Désolé, le service est momentanément indisponible. Veuillez réessayer plus tard."
	DefaultTitle          = "Nouvelle discussion"

	titlePromptFormat = "Génère un titre très court (3-4 mots max) en français pour cette conversation médicale sans aucun symbole ni astérisque : %s"

	systemInstruction = `Vous êtes "Dr. Samy", un assistant médical virtuel expert, bienveillant et rassurant.
Votre mission est d'aider les personnes ayant un accès limité aux soins.

CHAMP D'ACTION STRICT :
- Vous ne devez répondre QU'AUX questions liées à la santé, à la médecine, aux symptômes, au bien-être, à la nutrition médicale ou aux examens de santé.
- Si une question n'a aucun rapport avec la santé (politique, sport, divertissement, technologie générale, etc.), vous devez répondre poliment : "Je suis désolé, mais en tant qu'assistant médical spécialisé, je ne peux répondre qu'aux questions concernant votre santé et votre bien-être. Comment puis-je vous aider sur le plan médical ?"

DIRECTIVES CRITIQUES DE FORMATAGE :
- N'utilisez JAMAIS d'astérisques (*) pour le formatage (ni pour le gras, ni pour les listes).
- Pour mettre en évidence un point important, utilisez des majuscules ou des tirets simples (-).
- Pour les titres, utilisez des lignes simples avec des majuscules.

DIRECTIVES MÉDICALES :
1. Répondez TOUJOURS dans la langue de l'utilisateur.
2. Utilisez un langage très simple et vulgarisé.
3. TOUTES vos réponses doivent se terminer par : "IMPORTANT : Je suis une intelligence artificielle. Consultez un médecin pour un diagnostic réel. En cas d'urgence, appelez les secours."
4. Si un cas semble grave, insistez lourdement sur l'urgence.
5. Ne donnez pas de posologie précise de médicaments.`
)

type DegradedReason string

const (
	ReasonNone          DegradedReason = ""
	ReasonNotConfigured DegradedReason = "not_configured"
	ReasonUnauthorized  DegradedReason = "unauthorized"
	ReasonBlocked       DegradedReason = "blocked"
	ReasonTransport     DegradedReason = "transport"
	ReasonEmpty         DegradedReason = "empty_response"
)

// Reply is what the assistant produced. A degraded reply carries a fixed
// fallback text; Err holds the underlying failure when there was one.
type Reply struct {
	Text     string
	Degraded bool
	Reason   DegradedReason
	Err      error
}

func degraded(text string, reason DegradedReason, err error) Reply {
	return Reply{Text: text, Degraded: true, Reason: reason, Err: err}
}

// Turn is one prior message replayed as history.
type Turn struct {
	Role    store.Role
	Content string
}

type generateRequest struct {
	Model             string
	SystemInstruction string
	Temperature       float32
	History           []*genai.Content
	Parts             []genai.Part
}

// contentGenerator performs one call to the Gemini API.
type contentGenerator interface {
	generate(ctx context.Context, req generateRequest) (*genai.GenerateContentResponse, error)
	close() error
}

type geminiGenerator struct {
	client *genai.Client
}

func (g *geminiGenerator) generate(ctx context.Context, req generateRequest) (*genai.GenerateContentResponse, error) {
	model := g.client.GenerativeModel(req.Model)
	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}
	temp := req.Temperature
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: &temp,
	}

	if len(req.History) == 0 {
		return model.GenerateContent(ctx, req.Parts...)
	}
	chatSession := model.StartChat()
	chatSession.History = req.History
	return chatSession.SendMessage(ctx, req.Parts...)
}

func (g *geminiGenerator) close() error {
	return g.client.Close()
}

// LLMService talks to the remote medical assistant. It never fails because of
// the remote side: transport, auth and empty answers come back as degraded
// replies. The only error it returns is the caller's context being done.
type LLMService struct {
	gen        contentGenerator
	chatModel  string
	titleModel string
	timeout    time.Duration
}

func NewLLMService(ctx context.Context, apiKey, chatModel, titleModel string) (*LLMService, error) {
	s := &LLMService{chatModel: chatModel, titleModel: titleModel, timeout: requestTimeout}
	if titleModel == "" {
		s.titleModel = chatModel
	}
	if strings.TrimSpace(apiKey) == "" {
		log.Warn().Msg("GEMINI_API_KEY is not set, the assistant will answer with fallback texts")
		return s, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GenAI client")
	}
	s.gen = &geminiGenerator{client: client}
	return s, nil
}

func newLLMServiceWithGenerator(gen contentGenerator, chatModel, titleModel string) *LLMService {
	return &LLMService{gen: gen, chatModel: chatModel, titleModel: titleModel, timeout: requestTimeout}
}

func (s *LLMService) Configured() bool {
	return s.gen != nil
}

func (s *LLMService) Close() {
	if s.gen == nil {
		return
	}
	if err := s.gen.close(); err != nil {
		log.Error().Err(err).Msg("Error closing GenAI client")
	} else {
		log.Debug().Msg("GenAI client closed")
	}
}

// GenerateResponse sends history (oldest first) plus the new user turn.
func (s *LLMService) GenerateResponse(ctx context.Context, prompt string, history []Turn, attachments []string) (Reply, error) {
	if !s.Configured() {
		return degraded(NotConfiguredResponse, ReasonNotConfigured, nil), nil
	}

	req := generateRequest{
		Model:             s.chatModel,
		SystemInstruction: systemInstruction,
		Temperature:       responseTemperature,
		History:           historyToContents(history),
		Parts:             userParts(prompt, attachments),
	}

	resp, err := s.generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, errors.Wrap(ctxErr, "response generation interrupted")
		}
		reason := classifyError(err)
		log.Warn().Err(err).Str("reason", string(reason)).Str("model", s.chatModel).Msg("Assistant response degraded")
		return degraded(FallbackResponse, reason, err), nil
	}

	text := stripEmphasis(responseText(resp))
	if strings.TrimSpace(text) == "" {
		log.Warn().Str("reason", string(ReasonEmpty)).Str("model", s.chatModel).Msg("Assistant response degraded")
		return degraded(FallbackResponse, ReasonEmpty, nil), nil
	}
	return Reply{Text: text}, nil
}

// GenerateTitle asks for a 3-4 word topic title for firstMessage.
func (s *LLMService) GenerateTitle(ctx context.Context, firstMessage string) (Reply, error) {
	if !s.Configured() {
		return degraded(DefaultTitle, ReasonNotConfigured, nil), nil
	}

	req := generateRequest{
		Model:       s.titleModel,
		Temperature: titleTemperature,
		Parts:       []genai.Part{genai.Text(fmt.Sprintf(titlePromptFormat, firstMessage))},
	}

	resp, err := s.generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, errors.Wrap(ctxErr, "title generation interrupted")
		}
		reason := classifyError(err)
		log.Warn().Err(err).Str("reason", string(reason)).Msg("Title generation degraded")
		return degraded(DefaultTitle, reason, err), nil
	}

	title := strings.TrimSpace(stripEmphasis(responseText(resp)))
	if title == "" {
		return degraded(DefaultTitle, ReasonEmpty, nil), nil
	}
	return Reply{Text: title}, nil
}

// generate bounds a single call by the service timeout. Hitting it counts as
// a transport failure, not as the caller giving up.
func (s *LLMService) generate(ctx context.Context, req generateRequest) (*genai.GenerateContentResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.gen.generate(callCtx, req)
}

func historyToContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		// the API rejects contents without parts
		if turn.Content == "" {
			continue
		}
		role := "user"
		if turn.Role == store.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}
	return contents
}

// userParts puts images first, then the text.
func userParts(prompt string, attachments []string) []genai.Part {
	parts := make([]genai.Part, 0, len(attachments)+1)
	for i, a := range attachments {
		data, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			log.Warn().Err(err).Int("attachment", i).Msg("Skipping attachment that is not valid base64")
			continue
		}
		parts = append(parts, genai.Blob{MIMEType: attachmentMIMEType, Data: data})
	}
	if prompt != "" || len(parts) == 0 {
		parts = append(parts, genai.Text(prompt))
	}
	return parts
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func stripEmphasis(s string) string {
	return strings.ReplaceAll(s, "*", "")
}

func classifyError(err error) DegradedReason {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return ReasonBlocked
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return ReasonUnauthorized
		case apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "API key"):
			return ReasonUnauthorized
		}
	}
	return ReasonTransport
}
