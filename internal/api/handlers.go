package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SupportPipe/internal/flow"
)

// Query parameters of the conversation endpoint.
const (
	paramQuestion      = "question"
	paramThreadID      = "thread_id"
	paramTwoFactorCode = "two_factor_code"
)

// Server exposes a flow.Controller over HTTP.
type Server struct {
	controller *flow.Controller
}

// NewServer creates a server for ctrl.
func NewServer(ctrl *flow.Controller) *Server {
	return &Server{controller: ctrl}
}

// Handler returns the routes: GET / for conversation turns and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.conversationHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// conversationHandler runs one turn. A present two_factor_code makes it a resumption,
// even when empty, so that an empty code is reported instead of starting a new turn.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeTextResponse(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.conversationHandler: method not allowed", "method", r.Method)
		writeTextResponse(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	q := r.URL.Query()
	turn := flow.Turn{
		ThreadID: q.Get(paramThreadID),
		Question: q.Get(paramQuestion),
	}
	if q.Has(paramTwoFactorCode) {
		code := q.Get(paramTwoFactorCode)
		turn.Code = &code
	}
	slog.Debug("Server.conversationHandler: turn received", "threadID", turn.ThreadID, "resume", turn.IsResume())

	reply, err := s.controller.HandleTurn(r.Context(), turn)
	if err != nil {
		if flow.IsRequestError(err) {
			writeTextResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Server.conversationHandler: turn failed", "threadID", turn.ThreadID, "error", err)
		writeTextResponse(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeTextResponse(w, http.StatusOK, reply.Text)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeTextResponse(w, http.StatusOK, "ok")
}
