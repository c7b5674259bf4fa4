package httptransport

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/monitoring"
	"chatroom/backend/internal/service"
	"chatroom/backend/internal/timeline"
)

// ChatHandler 处理聊天页、发送和删除
type ChatHandler struct {
	chat     *service.ChatService
	renderer *timeline.Renderer
	pages    *Pages
	metrics  *monitoring.Metrics
	maxLen   int
	log      *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(chat *service.ChatService, renderer *timeline.Renderer, pages *Pages, metrics *monitoring.Metrics, maxLen int, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{
		chat:     chat,
		renderer: renderer,
		pages:    pages,
		metrics:  metrics,
		maxLen:   maxLen,
		log:      log,
	}
}

type sendMessageRequest struct {
	Text string `json:"text" form:"text"`
}

type sendMessageResponse struct {
	ID string `json:"id"`
}

type deleteMessageResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (h *ChatHandler) recordFailure(op string) {
	if h.metrics != nil {
		h.metrics.RecordMessageFailure(op)
	}
}

// Index 聊天页：服务端渲染当前时间线，之后由 websocket 整体替换
func (h *ChatHandler) Index(c *gin.Context) {
	identity := middleware.IdentityFrom(c)

	view, err := h.chat.Timeline(c.Request.Context(), identity.UID)
	if err != nil {
		h.log.Error("failed to load timeline", zap.Error(err))
		view = nil
	}
	fragment, err := h.renderer.RenderString(view)
	if err != nil {
		h.log.Error("failed to render timeline", zap.Error(err))
		c.String(http.StatusInternalServerError, MsgInternalError)
		return
	}

	h.pages.render(c, http.StatusOK, "index", indexPageData{
		Username:  identity.Username(),
		Alert:     alertMessages[c.Query("alert")],
		Timeline:  template.HTML(fragment),
		MaxLength: h.maxLen,
	})
}

func redirectWithAlert(c *gin.Context, code string) {
	target := middleware.ChatPage
	if code != "" {
		target += "?" + url.Values{"alert": {code}}.Encode()
	}
	c.Redirect(http.StatusSeeOther, target)
}

// SendForm 处理发送表单。无论成败都回到聊天页，输入框总是清空。
func (h *ChatHandler) SendForm(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		h.log.Warn("invalid send form", zap.Error(err))
		h.recordFailure("send")
		redirectWithAlert(c, "send-failed")
		return
	}

	_, err := h.chat.Send(c.Request.Context(), middleware.IdentityFrom(c), req.Text)
	switch {
	case err == nil:
		if h.metrics != nil {
			h.metrics.RecordMessageSent()
		}
		redirectWithAlert(c, "")
	case errors.Is(err, service.ErrEmptyMessage):
		redirectWithAlert(c, "")
	case errors.Is(err, service.ErrMessageTooLong):
		redirectWithAlert(c, "too-long")
	default:
		h.recordFailure("send")
		redirectWithAlert(c, "send-failed")
	}
}

// DeleteForm 处理删除表单
func (h *ChatHandler) DeleteForm(c *gin.Context) {
	err := h.chat.Delete(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		h.log.Info("delete rejected", zap.String("id", c.Param("id")), zap.Error(err))
		h.recordFailure("delete")
		redirectWithAlert(c, "delete-failed")
		return
	}
	if h.metrics != nil {
		h.metrics.RecordMessageDeleted()
	}
	redirectWithAlert(c, "")
}

// ListMessages 返回当前观看者的时间线
// @Summary 时间线
// @Description 返回按日期分组的时间线视图
// @Tags Messages
// @Produce json
// @Security BearerAuth
// @Success 200 {object} timeline.View
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /v1/messages [get]
func (h *ChatHandler) ListMessages(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	view, err := h.chat.Timeline(c.Request.Context(), identity.UID)
	if err != nil {
		h.log.Error("failed to load timeline", zap.Error(err))
		RespondError(c, err)
		return
	}
	Success(c, view)
}

// CreateMessage 发送一条消息
// @Summary 发送消息
// @Tags Messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body sendMessageRequest true "消息内容"
// @Success 201 {object} sendMessageResponse
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 422 {object} Response
// @Failure 500 {object} Response
// @Router /v1/messages [post]
func (h *ChatHandler) CreateMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	id, err := h.chat.Send(c.Request.Context(), middleware.IdentityFrom(c), req.Text)
	if err != nil {
		if !errors.Is(err, service.ErrEmptyMessage) {
			h.recordFailure("send")
		}
		status, msg := MapError(err)
		if status == http.StatusInternalServerError {
			msg = MsgSendFailed
		}
		Error(c, status, msg)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordMessageSent()
	}
	Created(c, sendMessageResponse{ID: id})
}

// MarkDeleted 软删除自己的消息
// @Summary 删除消息
// @Description 把消息标记为已删除；只有作者可以删除，重复删除不报错
// @Tags Messages
// @Produce json
// @Security BearerAuth
// @Param id path string true "消息 ID"
// @Success 200 {object} deleteMessageResponse
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/messages/{id}/deleted [patch]
func (h *ChatHandler) MarkDeleted(c *gin.Context) {
	id := c.Param("id")
	if err := h.chat.Delete(c.Request.Context(), middleware.IdentityFrom(c), id); err != nil {
		h.recordFailure("delete")
		status, msg := MapError(err)
		if status == http.StatusInternalServerError {
			msg = MsgDeleteFailed
		}
		Error(c, status, msg)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordMessageDeleted()
	}
	Success(c, deleteMessageResponse{ID: id, Deleted: true})
}
