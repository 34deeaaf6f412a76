package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/hibiki/internal/delivery"
	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/model"
)

// HandleInboundHook handles POST /hooks/{rule_id}. The endpoint carries no
// bearer token; a rule with a trigger secret requires the request to be
// signed with it. The JSON object body becomes the run's trigger data.
func (h *Handlers) HandleInboundHook(w http.ResponseWriter, r *http.Request) {
	ruleID, err := parsePathID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rule, err := h.engine.Triggerer.RuleByID(r.Context(), ruleID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if rule.TriggerType != model.TriggerWebhook {
		// Same answer as a missing rule: the URL is not a hook.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule not found")
		return
	}
	if secret := rule.TriggerConfig.Secret; secret != "" {
		if err := delivery.VerifyRequest(secret, r.Header, body, time.Now(), h.hookTolerance); err != nil {
			h.logger.Warn("hooks: rejected request", "rule_id", rule.ID, "error", err)
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
			return
		}
	}

	data, err := hookData(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.engine.Trigger(r.Context(), engine.TriggerRequest{
		RuleID:   rule.ID,
		TenantID: rule.TenantID,
		Source:   model.SourceWebhook,
		Data:     data,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	recordTenant(w, rule.TenantID)
	writeJSON(w, r, http.StatusAccepted, model.TriggerResponse{RunID: run.ID, Status: run.Status})
}

// hookData decodes an inbound hook body. An empty body is an empty object.
func hookData(body []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(body) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

