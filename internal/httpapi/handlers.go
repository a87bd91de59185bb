package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/channel"
	"convo-engine/internal/channel/twilio"
	"convo-engine/internal/channel/webchat"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/console"
	"convo-engine/internal/conversation"
	"convo-engine/internal/engine"
	"convo-engine/internal/live"
	"convo-engine/internal/reporting"
	"convo-engine/internal/store"
	"convo-engine/pkg/logger"
)

const maxBodyBytes = 1 << 20

type WhatsAppOptions struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret string
}

type TwilioOptions struct {
	// AuthToken enables X-Twilio-Signature checks when set.
	AuthToken     string
	PublicBaseURL string
}

// Handlers groups HTTP handlers for dependency injection. They parse and
// check input, call internal services and write JSON.
type Handlers struct {
	Processor *engine.Processor
	Console   *console.Service
	Reports   *reporting.Service
	Hub       *live.Hub
	Store     store.Store
	WhatsApp  WhatsAppOptions
	Twilio    TwilioOptions
	// Inflight tracks turns that outlive their request. Optional.
	Inflight *sync.WaitGroup
}

func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	return raw, true
}

// --- WhatsApp Cloud API ---

// VerifyWhatsApp answers the webhook subscription handshake.
func (h Handlers) VerifyWhatsApp(c *gin.Context) {
	challenge, ok := whatsapp.VerifyChallenge(h.WhatsApp.VerifyToken,
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// Inbound receives a provider webhook for any registered channel.
func (h Handlers) Inbound(c *gin.Context) {
	kind := channel.Kind(c.Param("channel"))
	raw, ok := readBody(c)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("channel", string(kind))

	switch kind {
	case channel.KindWhatsApp:
		if h.WhatsApp.AppSecret != "" && !whatsapp.VerifySignature(h.WhatsApp.AppSecret, raw, c.GetHeader("X-Hub-Signature-256")) {
			log.Warn("whatsapp signature rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	case channel.KindTwilio:
		h.twilioInbound(c, raw)
		return
	}

	outs, err := h.Processor.HandleInbound(c.Request.Context(), kind, raw)
	if serr := firstServerError(err); serr != nil {
		// A 5xx makes the provider redeliver the batch; messages that
		// already went through are dropped as duplicates.
		abortWithError(c, serr)
		return
	}
	if err != nil && len(outs) == 0 {
		abortWithError(c, err)
		return
	}
	if err != nil {
		log.Warn("some inbound messages were rejected", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"processed": len(outs)})
}

// --- Twilio Messaging ---

func (h Handlers) twilioInbound(c *gin.Context, raw []byte) {
	if h.Twilio.AuthToken != "" {
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		full := strings.TrimRight(h.Twilio.PublicBaseURL, "/") + c.Request.URL.RequestURI()
		if !twilio.ValidSignature(h.Twilio.AuthToken, full, form, c.GetHeader("X-Twilio-Signature")) {
			logger.FromGin(c).Warn("twilio signature rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	// With a REST sender the reply goes out of band: Twilio gives up on a
	// webhook after 15 seconds, which a slow model call can exceed.
	if _, ok := h.Processor.Channels.Sender(channel.KindTwilio); ok {
		h.twilioAsync(c, raw)
		return
	}

	outs, err := h.Processor.HandleInbound(c.Request.Context(), channel.KindTwilio, raw)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var reply string
	if len(outs) > 0 && outs[0].Automated {
		reply = outs[0].Reply
	}
	twiml, err := twilio.RenderReply(reply)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// twilioAsync acknowledges the webhook with empty TwiML once the payload
// parses, then processes it detached from the request.
func (h Handlers) twilioAsync(c *gin.Context, raw []byte) {
	if _, err := h.Processor.Channels.Normalize(channel.KindTwilio, raw); err != nil {
		abortWithError(c, err)
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	log := logger.FromGin(c)
	if h.Inflight != nil {
		h.Inflight.Add(1)
	}
	go func() {
		if h.Inflight != nil {
			defer h.Inflight.Done()
		}
		if _, err := h.Processor.HandleInbound(ctx, channel.KindTwilio, raw); err != nil {
			log.Error("twilio message failed", "err", err)
		}
	}()

	twiml, err := twilio.RenderReply("")
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// --- Webchat ---

type webchatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply,omitempty"`
	// Automated is false while a human agent holds the conversation.
	Automated       bool   `json:"automated"`
	TaskExecutionID string `json:"task_execution_id,omitempty"`
}

// WebchatMessage processes one widget message and answers inline.
func (h Handlers) WebchatMessage(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	var in webchat.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		abortWithError(c, channel.Invalid(channel.KindWebchat, "body is not valid json"))
		return
	}
	in.ChannelOriginID = c.Param("origin")
	body, err := json.Marshal(in)
	if err != nil {
		abortWithError(c, err)
		return
	}

	outs, err := h.Processor.HandleInbound(c.Request.Context(), channel.KindWebchat, body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(outs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no message"})
		return
	}
	o := outs[0]
	resp := webchatResponse{ConversationID: o.ConversationID, Automated: o.Automated, TaskExecutionID: o.TaskExecutionID}
	if o.Automated {
		resp.Reply = o.Reply
	}
	c.JSON(http.StatusOK, resp)
}

// visitorInteraction omits operator ids and function calls.
type visitorInteraction struct {
	Seq       int64             `json:"seq"`
	Role      conversation.Role `json:"role"`
	Text      string            `json:"text"`
	MediaRef  string            `json:"media_ref,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

var errNotYourConversation = errors.New("conversation does not belong to this sender")

// WebchatLive streams a widget conversation's events over a websocket.
func (h Handlers) WebchatLive(c *gin.Context) {
	convID := c.Query("conversation_id")
	sender := c.Query("sender_id")
	if convID == "" || sender == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversation_id and sender_id required"})
		return
	}
	if err := h.ownsConversation(c.Request.Context(), c.Param("origin"), sender, convID); err != nil {
		if errors.Is(err, errNotYourConversation) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		abortWithError(c, err)
		return
	}
	if err := h.Hub.Serve(c.Writer, c.Request, live.ConversationRoom(convID)); err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
	}
}

// WebchatHistory lets a widget catch up on replies it missed, such as
// operator messages or task results, by polling with after_seq.
func (h Handlers) WebchatHistory(c *gin.Context) {
	convID := c.Query("conversation_id")
	sender := c.Query("sender_id")
	if convID == "" || sender == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversation_id and sender_id required"})
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil || after < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "after_seq must be a non-negative integer"})
		return
	}
	if err := h.ownsConversation(c.Request.Context(), c.Param("origin"), sender, convID); err != nil {
		if errors.Is(err, errNotYourConversation) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		abortWithError(c, err)
		return
	}

	var out []conversation.Interaction
	err = h.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListInteractions(ctx, convID, conversation.HistoryQuery{
			AfterSeq:     after,
			Limit:        conversation.MaxListLimit,
			ExcludeRoles: []conversation.Role{conversation.RoleSystem},
		})
		return err
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	view := make([]visitorInteraction, 0, len(out))
	for _, in := range out {
		view = append(view, visitorInteraction{Seq: in.Seq, Role: in.Role, Text: in.Text, MediaRef: in.MediaRef, CreatedAt: in.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"interactions": view})
}

// ownsConversation checks that convID is a webchat conversation of sender
// on the assistant bound to origin.
func (h Handlers) ownsConversation(ctx context.Context, origin, sender, convID string) error {
	return h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		asst, _, err := tx.FindAssistantByOrigin(ctx, channel.KindWebchat, origin)
		if err != nil {
			return err
		}
		conv, err := tx.GetConversation(ctx, convID)
		if errors.Is(err, conversation.ErrNotFound) {
			return errNotYourConversation
		}
		if err != nil {
			return err
		}
		if conv.AssistantID != asst.ID || conv.Channel != channel.KindWebchat {
			return errNotYourConversation
		}
		lead, err := tx.GetLead(ctx, conv.LeadID)
		if err != nil {
			return err
		}
		if lead.Identifier != sender {
			return errNotYourConversation
		}
		return nil
	})
}
