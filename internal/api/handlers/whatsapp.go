package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"blingwatch/internal/whatsapp"
)

// botMentions are the handles that address the bot inside a group chat.
// Direct messages need no mention.
var botMentions = []string{"@estoque", "@bot", "@stock"}

// MessageAgent produces a reply for one inbound message.
type MessageAgent interface {
	ProcessMessage(ctx context.Context, userID, text string) (string, error)
}

// Sender delivers outbound messages. Satisfied by *whatsapp.Client.
type Sender interface {
	SendText(ctx context.Context, number, text string, opts ...whatsapp.SendOption) error
}

// WhatsAppHandler receives inbound WhatsApp messages from the Evolution API
// webhook and routes them through the stock agent.
type WhatsAppHandler struct {
	agent  MessageAgent
	sender Sender
	logger *slog.Logger
}

// NewWhatsAppHandler creates a new inbound message handler.
func NewWhatsAppHandler(agent MessageAgent, sender Sender, logger *slog.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		agent:  agent,
		sender: sender,
		logger: logger,
	}
}

type inboundPayload struct {
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
	Body string `json:"body"`
	Chat struct {
		IsGroup bool `json:"isGroup"`
	} `json:"chat"`
}

// Receive handles one webhook delivery.
// POST /whatsapp
func (h *WhatsAppHandler) Receive(c *gin.Context) {
	var payload inboundPayload
	if err := decodeWebhookBody(c, &payload); err != nil {
		h.logger.Warn("Invalid WhatsApp webhook payload",
			"component", "api.whatsapp",
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if len(payload.Messages) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Sem mensagens para processar"})
		return
	}

	msg := payload.Messages[0]
	if msg.Type != "text" {
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Tipo de mensagem não suportado"})
		return
	}

	// Group messages must mention the bot; anything else is chatter.
	if msg.Chat.IsGroup && !mentionsBot(msg.Body) {
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Mensagem de grupo sem menção ignorada"})
		return
	}

	reply, err := h.agent.ProcessMessage(c.Request.Context(), msg.From, msg.Body)
	if err != nil {
		h.logger.Error("Agent failed to process message",
			"component", "api.whatsapp",
			"from", msg.From,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Erro interno"})
		return
	}

	if reply != "" {
		if err := h.sender.SendText(c.Request.Context(), msg.From, reply,
			whatsapp.WithTypingDelay(time.Second)); err != nil {
			h.logger.Error("Failed to send reply",
				"component", "api.whatsapp",
				"to", msg.From,
				"error", err,
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Mensagem processada"})
}

func mentionsBot(text string) bool {
	lower := strings.ToLower(text)
	for _, mention := range botMentions {
		if strings.Contains(lower, mention) {
			return true
		}
	}
	return false
}
