package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

type contextKey string

const callerContextKey contextKey = "caller"

func contextWithCaller(ctx context.Context, caller *types.CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

func callerFromContext(ctx context.Context) *types.CallerContext {
	caller, _ := ctx.Value(callerContextKey).(*types.CallerContext)
	return caller
}

const (
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers connect from the desk displays and the patient portal,
	// which live on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// setupRoutes configures HTTP routes for the queue service
func (s *Service) setupRoutes(router *mux.Router) {
	if s.config.Monitoring.Enabled {
		router.Handle(s.config.Monitoring.MetricsPath, s.metrics.Handler()).Methods("GET")
		router.HandleFunc(s.config.Monitoring.HealthPath, s.health.HTTPHandler()).Methods("GET")
		router.Use(s.metrics.HTTPMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestLoggingMiddleware)
	api.Use(s.authMiddleware)

	// Ticket routes
	api.HandleFunc("/tickets", s.createTicketHandler).Methods("POST")
	api.HandleFunc("/tickets/{id}", s.getTicketHandler).Methods("GET")
	api.HandleFunc("/tickets/{id}/cancel", s.cancelTicketHandler).Methods("POST")

	// Queue routes
	api.HandleFunc("/doctors/{doctorId}/queue/{day}", s.getSnapshotHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/tickets", s.listTicketsHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/ws", s.joinRoomHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/call-next", s.callNextHandler).Methods("POST")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/tickets/{ticketId}/start", s.transitionHandler(s.Start)).Methods("POST")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/tickets/{ticketId}/finish", s.transitionHandler(s.Finish)).Methods("POST")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/tickets/{ticketId}/skip", s.transitionHandler(s.Skip)).Methods("POST")
	api.HandleFunc("/doctors/{doctorId}/queue/{day}/tickets/{ticketId}/recall", s.transitionHandler(s.Recall)).Methods("POST")

	s.logger.Info("Queue service routes configured")
}

// requestLoggingMiddleware logs every API request with a request ID header
func (s *Service) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.HTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, time.Since(start).Milliseconds())
	})
}

// statusRecorder captures the status code for request logging
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the room websocket endpoint upgrade through the logger.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// authMiddleware validates the bearer token and stores the caller context
// on the request
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeErrorResponse(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}

		claims, err := s.tokens.ValidateJWT(token)
		if err != nil {
			s.writeErrorResponse(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		caller := &types.CallerContext{
			Claims:   claims,
			TicketID: r.URL.Query().Get("ticket_id"),
		}

		ctx := contextWithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// createTicketHandler handles booking-side ticket creation
func (s *Service) createTicketHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ticket, err := s.CreateTicket(r.Context(), callerFromContext(r.Context()), &req)
	if err != nil {
		s.writeDomainError(w, "Failed to create ticket", err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, ticket)
}

// getTicketHandler handles ticket retrieval
func (s *Service) getTicketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	ticket, err := s.GetTicket(r.Context(), vars["id"])
	if err != nil {
		s.writeDomainError(w, "Failed to get ticket", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, ticket)
}

// cancelTicketHandler handles cancellation of a waiting ticket
func (s *Service) cancelTicketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	snapshot, err := s.Cancel(r.Context(), callerFromContext(r.Context()), vars["id"])
	if err != nil {
		s.writeDomainError(w, "Failed to cancel ticket", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, snapshot)
}

// listTicketsHandler handles the raw ticket listing the front desk uses
func (s *Service) listTicketsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	tickets, err := s.ListTickets(r.Context(), vars["doctorId"], vars["day"])
	if err != nil {
		s.writeDomainError(w, "Failed to list tickets", err)
		return
	}

	if tickets == nil {
		tickets = []*types.Ticket{}
	}
	s.writeJSONResponse(w, http.StatusOK, tickets)
}

// getSnapshotHandler handles the pure snapshot read
func (s *Service) getSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	snapshot, err := s.GetSnapshot(r.Context(), vars["doctorId"], vars["day"])
	if err != nil {
		s.writeDomainError(w, "Failed to get queue snapshot", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, snapshot)
}

// callNextHandler handles calling the next waiting patient
func (s *Service) callNextHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	snapshot, err := s.CallNext(r.Context(), callerFromContext(r.Context()), vars["doctorId"], vars["day"])
	if err != nil {
		s.writeDomainError(w, "Failed to call next ticket", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, snapshot)
}

// transitionHandler adapts one ticket transition operation to HTTP
func (s *Service) transitionHandler(op func(ctx context.Context, caller *types.CallerContext, ticketID, doctorID, day string) (*types.QueueSnapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		snapshot, err := op(r.Context(), callerFromContext(r.Context()), vars["ticketId"], vars["doctorId"], vars["day"])
		if err != nil {
			s.writeDomainError(w, "Queue operation failed", err)
			return
		}

		s.writeJSONResponse(w, http.StatusOK, snapshot)
	}
}

// joinRoomHandler upgrades the connection and streams snapshots to the
// viewer until it disconnects
func (s *Service) joinRoomHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doctorID, day := vars["doctorId"], vars["day"]

	sub, snapshot, err := s.Join(r.Context(), callerFromContext(r.Context()), doctorID, day)
	if err != nil {
		s.writeDomainError(w, "Failed to join queue room", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	go s.serveRoomMember(conn, sub, snapshot)
}

// serveRoomMember pushes the initial snapshot and then every broadcast to
// one websocket viewer
func (s *Service) serveRoomMember(conn *websocket.Conn, sub *Subscription, initial *types.QueueSnapshot) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	// Reader goroutine: only there to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeSnapshot := func(snap *types.QueueSnapshot) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		return conn.WriteJSON(snap)
	}

	if err := writeSnapshot(initial); err != nil {
		return
	}

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-done:
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSnapshot(snap); err != nil {
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Helper methods

// bearerToken extracts the bearer token from the Authorization header,
// falling back to the access_token query parameter for websocket clients
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// statusForError maps a domain error to an HTTP status code
func statusForError(err error) int {
	switch types.ErrorCode(err) {
	case types.ErrCodeInvalidTransition:
		return http.StatusConflict
	case types.ErrCodeConcurrentExamInProgress:
		return http.StatusConflict
	case types.ErrCodeNoWaitingTicket:
		return http.StatusNotFound
	case types.ErrCodeNotFound:
		return http.StatusNotFound
	case types.ErrCodeForbidden, types.ErrCodeTicketMismatch:
		return http.StatusForbidden
	case "INVALID_INPUT":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps the error taxonomy onto HTTP and writes it
func (s *Service) writeDomainError(w http.ResponseWriter, message string, err error) {
	s.writeErrorResponse(w, statusForError(err), message, err)
}

// writeJSONResponse writes a JSON response
func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Service) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	s.logger.WithError(err).Warn(message)

	response := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	if err != nil {
		response["details"] = err.Error()
		if code := types.ErrorCode(err); code != "" {
			response["code"] = code
		}
	}

	s.writeJSONResponse(w, statusCode, response)
}
