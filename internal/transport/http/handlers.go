package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/broker"
	"github.com/snehjoshi/gnssbus/internal/consumer"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/membership"
	"github.com/snehjoshi/gnssbus/internal/termcmd"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker *broker.Broker
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// CreateCmdRequest is the body of POST /cmds. Publish overrides
// termcmd.publish_created when set.
type CreateCmdRequest struct {
	types.TermCmd
	Publish *bool `json:"publish,omitempty"`
}

// MarkSentRequest is the body of POST /cmds/{id}/sent.
type MarkSentRequest struct {
	SentTm int64 `json:"sentTm"`
	MsgSn  *int  `json:"msgSn,omitempty"`
}

// MarkAckRequest is the body of POST /cmds/{id}/ack.
type MarkAckRequest struct {
	AckTm     int64           `json:"ackTm"`
	AckMsgID  string          `json:"ackMsgId,omitempty"`
	AckSeqNo  *int            `json:"ackSeqNo,omitempty"`
	AckCode   *int            `json:"ackCode,omitempty"`
	AckParams json.RawMessage `json:"ackParams,omitempty"`
}

// MarkCompletedRequest is the body of POST /cmds/{id}/completed.
type MarkCompletedRequest struct {
	Status types.Status `json:"status"`
	EndTm  int64        `json:"endTm"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type listenersResp struct {
	Topic     string `json:"topic"`
	Listeners int    `json:"listeners"`
}

type instancesResp struct {
	Instances []membership.Member `json:"instances"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// ─── Health / instances ──────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

func (h *Handler) instances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, instancesResp{Instances: h.broker.Members()})
}

// ─── Commands ────────────────────────────────────────────────────────────────

func (h *Handler) createCmd(w http.ResponseWriter, r *http.Request) {
	var req CreateCmdRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	publish := h.broker.PublishCreated()
	if req.Publish != nil {
		publish = *req.Publish
	}
	cmd := req.TermCmd
	created, err := h.broker.Commands().Create(r.Context(), &cmd, publish)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// getCmd reads the cached command, or the stored row with ?source=store.
func (h *Handler) getCmd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		cmd *types.TermCmd
		err error
	)
	if r.URL.Query().Get("source") == "store" {
		cmd, err = h.broker.StoredCmd(r.Context(), id)
	} else {
		cmd, err = h.broker.Commands().Find(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handler) getCmdByExternalID(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.broker.Commands().FindByExternalID(r.Context(), chi.URLParam(r, "ext"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// callerCmd returns the object a mark call applies to: the cached command
// when there is one, otherwise a bare command carrying only the id. Marks on
// an uncached command change the returned object only.
func (h *Handler) callerCmd(r *http.Request) (*types.TermCmd, error) {
	id := chi.URLParam(r, "id")
	cmd, err := h.broker.Commands().Find(r.Context(), id)
	if err == nil {
		return cmd, nil
	}
	if errors.Is(err, errcode.NotFound("")) {
		return &types.TermCmd{ID: id}, nil
	}
	return nil, err
}

func (h *Handler) markSent(w http.ResponseWriter, r *http.Request) {
	var req MarkSentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := h.callerCmd(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.SentTm == 0 {
		req.SentTm = time.Now().UnixMilli()
	}
	out, err := h.broker.Commands().MarkSent(r.Context(), cmd, req.SentTm, req.MsgSn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) markAck(w http.ResponseWriter, r *http.Request) {
	var req MarkAckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := h.callerCmd(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.AckTm == 0 {
		req.AckTm = time.Now().UnixMilli()
	}
	out, err := h.broker.Commands().MarkAck(r.Context(), cmd, termcmd.Ack{
		AckTm:     req.AckTm,
		AckMsgID:  req.AckMsgID,
		AckSeqNo:  req.AckSeqNo,
		AckCode:   req.AckCode,
		AckParams: req.AckParams,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) markCompleted(w http.ResponseWriter, r *http.Request) {
	var req MarkCompletedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !types.IsCompletedStatus(req.Status) {
		writeDomainError(w, errcode.InvalidParam("status"))
		return
	}
	cmd, err := h.callerCmd(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.EndTm == 0 {
		req.EndTm = time.Now().UnixMilli()
	}
	out, err := h.broker.Commands().MarkCompleted(r.Context(), cmd, req.Status, req.EndTm)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Topics / events ─────────────────────────────────────────────────────────

func (h *Handler) listeners(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !eventbus.IsKnownTopic(topic) {
		writeDomainError(w, errcode.NotFound("topic "+topic))
		return
	}
	n, err := h.broker.Bus().ListenerCount(topic)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listenersResp{Topic: topic, Listeners: n})
}

// ingest publishes the raw body on a fixed topic.
func (h *Handler) ingest(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ingestTopic(w, r, topic)
	}
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	h.ingestTopic(w, r, chi.URLParam(r, "topic"))
}

func (h *Handler) ingestTopic(w http.ResponseWriter, r *http.Request, topic string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "read body: " + err.Error()})
		return
	}
	if err := h.broker.Ingest(topic, body); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published", "topic": topic})
}

// ─── Webhook subscriptions ───────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validWebhookURL(req.URL) {
		writeDomainError(w, errcode.InvalidParam("url"))
		return
	}
	sub, err := h.broker.Webhooks().Register(topic, req.URL, req.Secret)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: sub.ID, Topic: sub.Topic})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.broker.Webhooks().List()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.broker.Webhooks().Deregister(id); err != nil {
		if errors.Is(err, consumer.ErrSubscriptionNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: errcode.CodeNotFound})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// writeDomainError maps a service error to a status code. Domain codes keep
// their message; anything else is reported as an opaque internal error.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, actor.ErrTimeout) {
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "timeout", Code: errcode.CodeTimeout})
		return
	}
	de, ok := errcode.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: errcode.Internal.Message, Code: errcode.CodeInternal})
		return
	}
	status := http.StatusInternalServerError
	switch de.Code {
	case errcode.CodeInvalidParam:
		status = http.StatusBadRequest
	case errcode.CodeNotFound:
		status = http.StatusNotFound
	case errcode.CodeConflict:
		status = http.StatusConflict
	case errcode.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errcode.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, ErrorResponse{Error: de.Message, Code: de.Code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json: " + err.Error(), Code: errcode.CodeInvalidParam})
		return false
	}
	return true
}

// validWebhookURL checks that the target URL is a plain http or https address.
// It does not block private ranges: operators control what is reachable.
func validWebhookURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
