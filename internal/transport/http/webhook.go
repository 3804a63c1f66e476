package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler receives Bot API updates: poll answers are reconciled, /join,
// /leave and /simulacro commands drive registration.
type WebhookHandler struct {
	engine  *app.Engine
	replies app.MessageSender
	secret  string
}

func NewWebhookHandler(engine *app.Engine, replies app.MessageSender, secret string) *WebhookHandler {
	return &WebhookHandler{engine: engine, replies: replies, secret: secret}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get(secretHeader) != h.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case update.PollAnswer != nil:
		err = h.onPollAnswer(r.Context(), update.PollAnswer)
	case update.Message != nil && strings.HasPrefix(update.Message.Text, "/"):
		err = h.onCommand(r.Context(), update.Message)
	}
	if err != nil {
		// a non-2xx makes the provider redeliver; answers are idempotent
		log.Printf("webhook update=%d: %v", update.UpdateID, err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) onPollAnswer(ctx context.Context, answer *tgbotapi.PollAnswer) error {
	if len(answer.OptionIDs) == 0 {
		// retracted vote
		return nil
	}
	respondent := ""
	if answer.User.ID != 0 {
		respondent = strconv.FormatInt(answer.User.ID, 10)
	}
	out, err := h.engine.Reconciler.OnExternalAnswer(ctx, answer.PollID, answer.OptionIDs[0], respondent)
	switch {
	case err == nil:
		if out.Duplicate {
			log.Printf("duplicate answer poll=%s user=%s", answer.PollID, respondent)
		}
		return nil
	case errors.Is(err, domain.ErrUnreconcilable),
		errors.Is(err, domain.ErrSelectionOutOfRange),
		errors.Is(err, domain.ErrEventCancelled),
		errors.Is(err, domain.ErrProgressNotFound),
		errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrInvalidTransition):
		log.Printf("answer dropped poll=%s user=%s: %v", answer.PollID, respondent, err)
		return nil
	default:
		return err
	}
}

func (h *WebhookHandler) onCommand(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil || msg.Chat == nil {
		return nil
	}
	fields := strings.Fields(msg.Text)
	command := strings.ToLower(fields[0])
	if i := strings.IndexByte(command, '@'); i > 0 {
		command = command[:i]
	}
	args := fields[1:]
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	name := msg.From.FirstName
	if name == "" {
		name = msg.From.UserName
	}

	var reply string
	switch command {
	case "/join":
		if len(args) == 0 {
			reply = "Uso: /join <id del torneo>"
			break
		}
		res, err := h.engine.Scheduler.Register(ctx, app.JoinRequest{EventID: args[0], UserID: userID, ChatID: chatID, DisplayName: name})
		if err != nil {
			return err
		}
		reply = joinReply(res, "✅ Inscrito en el torneo.")
	case "/leave":
		if len(args) == 0 {
			reply = "Uso: /leave <id del torneo>"
			break
		}
		err := h.engine.Scheduler.Leave(ctx, args[0], userID)
		switch {
		case err == nil:
			reply = "Has salido del torneo."
		case errors.Is(err, domain.ErrProgressNotFound), errors.Is(err, domain.ErrEventNotFound), errors.Is(err, domain.ErrInvalidTransition):
			reply = "No puedes salir de ese torneo."
		default:
			return err
		}
	case "/simulacro":
		req := app.ExamRequest{UserID: userID, ChatID: chatID, DisplayName: name}
		if len(args) > 0 {
			req.Preset = args[0]
		}
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil {
				req.TotalQuestions = n
			}
		}
		res, _, err := h.engine.Scheduler.StartExam(ctx, req)
		if errors.Is(err, domain.ErrInvalidEvent) || errors.Is(err, domain.ErrNoQuestions) {
			reply = "No se pudo iniciar el simulacro: " + err.Error()
			break
		}
		if err != nil {
			return err
		}
		reply = joinReply(res, "")
	default:
		return nil
	}
	if reply == "" || h.replies == nil {
		return nil
	}
	if _, err := h.replies.SendMessage(ctx, chatID, reply); err != nil {
		log.Printf("reply to chat=%s failed: %v", chatID, err)
	}
	return nil
}

func joinReply(res domain.JoinResult, ok string) string {
	if res.Joined {
		return ok
	}
	return fmt.Sprintf("❌ %s", res.Reason)
}
