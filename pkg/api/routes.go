package api

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events/connect", s.HandleConnect)
	mux.Handle("GET /api/events", gzhttp.GzipHandler(http.HandlerFunc(s.HandleReplay)))
	mux.HandleFunc("POST /api/events/token", s.HandleIssueToken)

	mux.HandleFunc("POST /api/messages", s.HandleSendMessage)
	mux.HandleFunc("POST /api/messages/{id}/edit", s.HandleEditMessage)
	mux.HandleFunc("POST /api/messages/{id}/move", s.HandleMoveMessage)
	mux.HandleFunc("DELETE /api/messages/{id}", s.HandleDeleteMessage)

	mux.HandleFunc("POST /api/spaces/{id}/members", s.HandleAddSpaceMember)
	mux.HandleFunc("POST /api/channels/{id}/members", s.HandleAddChannelMember)

	mux.HandleFunc("GET /health", s.HandleHealth)
}
