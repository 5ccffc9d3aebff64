package api

import (
	"errors"
	"net/http"
	"strings"
)

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Model = strings.TrimSpace(req.Model)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Model == "" || req.Prompt == "" {
		respondError(w, http.StatusBadRequest, errors.New("model and prompt are required"))
		return
	}

	response, err := a.config.Sample(r.Context(), req.Model, req.Prompt)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"model":    req.Model,
		"response": response,
	})
}
