package api

import (
	"net/http"
	"strings"
)

type tokensResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// handleTokens serves the static token list, or one entry when ?address= is given.
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tokens == nil {
		errorResponse(w, http.StatusNotFound, "Token not found")
		return
	}
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		respondJSON(w, http.StatusOK, tokensResponse{Success: true, Data: s.opts.Tokens.Tokens()})
		return
	}
	tok, ok := s.opts.Tokens.Find(addr)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Token not found")
		return
	}
	respondJSON(w, http.StatusOK, tokensResponse{Success: true, Data: tok})
}
