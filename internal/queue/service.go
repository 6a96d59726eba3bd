package queue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/config"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/database"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/monitoring"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// Service wires the queue engine together: allocator-backed ticket creation,
// the transition engine, snapshot aggregation, the realtime hub, and access
// scoping. Every successful mutation recomputes the room's snapshot from the
// post-commit state and broadcasts it; failures broadcast nothing.
type Service struct {
	config    *config.Config
	logger    *logger.Logger
	db        *database.DB
	repo      *Repository
	engine    *Engine
	hub       *Hub
	access    *AccessPolicy
	tokens    *TokenValidator
	metrics   *monitoring.MetricsCollector
	health    *monitoring.HealthManager
	server    *http.Server
	relayStop context.CancelFunc
}

// New creates a new queue service
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.CreateSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	metrics := monitoring.NewMetricsCollector("queue-service")

	var relay *redis.Client
	if cfg.Redis.Enabled {
		relay = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	repo := NewRepository(db, log, metrics)
	engine := NewEngine(db, repo, log)
	hub := NewHub(relay, log, metrics)
	access := NewAccessPolicy(repo, log)
	tokens := NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, time.Duration(cfg.JWT.AccessTokenTTL)*time.Second)

	health := monitoring.NewHealthManager("queue-service", "1.0.0")
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
	if relay != nil {
		health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(relay))
	}

	return &Service{
		config:  cfg,
		logger:  log,
		db:      db,
		repo:    repo,
		engine:  engine,
		hub:     hub,
		access:  access,
		tokens:  tokens,
		metrics: metrics,
		health:  health,
	}, nil
}

// CreateTicketRequest is the booking-side input for a new queue ticket
type CreateTicketRequest struct {
	PatientID      string    `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	PatientContact string    `json:"patient_contact"`
	DoctorID       string    `json:"doctor_id"`
	Day            string    `json:"day"`
	ScheduledTime  time.Time `json:"scheduled_time"`
}

// CreateTicket creates a WAITING ticket with a freshly allocated sequence
// number and broadcasts the updated queue view
func (s *Service) CreateTicket(ctx context.Context, caller *types.CallerContext, req *CreateTicketRequest) (*types.Ticket, error) {
	if err := s.access.AuthorizeMutation(caller, req.DoctorID); err != nil {
		return nil, err
	}

	if err := validateCreateTicket(req); err != nil {
		return nil, err
	}

	ticket := &types.Ticket{
		ID:             uuid.New().String(),
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		PatientContact: req.PatientContact,
		DoctorID:       req.DoctorID,
		Day:            req.Day,
		ScheduledTime:  req.ScheduledTime,
		Status:         types.StatusWaiting,
	}

	start := time.Now()
	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		s.metrics.RecordQueueOperation("create", "error", time.Since(start))
		return nil, err
	}
	s.metrics.RecordQueueOperation("create", "success", time.Since(start))

	s.audit(caller, "ticket.create", ticket.ID, true)
	s.refreshAndBroadcast(ctx, ticket.DoctorID, ticket.Day)

	return ticket, nil
}

// GetTicket retrieves one ticket by ID
func (s *Service) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	return s.repo.GetTicketByID(ctx, id)
}

// CallNext calls the next waiting patient for the doctor/day
func (s *Service) CallNext(ctx context.Context, caller *types.CallerContext, doctorID, day string) (*types.QueueSnapshot, error) {
	return s.mutate(ctx, caller, "call_next", doctorID, day, func() (*types.Ticket, error) {
		return s.engine.CallNext(ctx, doctorID, day)
	})
}

// Start begins the exam for a called (or skipped) ticket
func (s *Service) Start(ctx context.Context, caller *types.CallerContext, ticketID, doctorID, day string) (*types.QueueSnapshot, error) {
	return s.mutate(ctx, caller, "start", doctorID, day, func() (*types.Ticket, error) {
		return s.engine.Start(ctx, ticketID, doctorID, day)
	})
}

// Finish completes the exam for an in-progress ticket
func (s *Service) Finish(ctx context.Context, caller *types.CallerContext, ticketID, doctorID, day string) (*types.QueueSnapshot, error) {
	return s.mutate(ctx, caller, "finish", doctorID, day, func() (*types.Ticket, error) {
		return s.engine.Finish(ctx, ticketID, doctorID, day)
	})
}

// Skip marks a called ticket as skipped; the ticket stays recallable
func (s *Service) Skip(ctx context.Context, caller *types.CallerContext, ticketID, doctorID, day string) (*types.QueueSnapshot, error) {
	return s.mutate(ctx, caller, "skip", doctorID, day, func() (*types.Ticket, error) {
		return s.engine.Skip(ctx, ticketID, doctorID, day)
	})
}

// Recall calls a skipped ticket again
func (s *Service) Recall(ctx context.Context, caller *types.CallerContext, ticketID, doctorID, day string) (*types.QueueSnapshot, error) {
	return s.mutate(ctx, caller, "recall", doctorID, day, func() (*types.Ticket, error) {
		return s.engine.Recall(ctx, ticketID, doctorID, day)
	})
}

// Cancel cancels a waiting ticket; the ticket is retained for audit but
// leaves every queue view
func (s *Service) Cancel(ctx context.Context, caller *types.CallerContext, ticketID string) (*types.QueueSnapshot, error) {
	ticket, err := s.repo.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, caller, "cancel", ticket.DoctorID, ticket.Day, func() (*types.Ticket, error) {
		return s.engine.Cancel(ctx, ticketID)
	})
}

// ListTickets returns the live (non-cancelled) tickets for the doctor/day in
// call order
func (s *Service) ListTickets(ctx context.Context, doctorID, day string) ([]*types.Ticket, error) {
	return s.repo.ListLiveTickets(ctx, doctorID, day)
}

// GetSnapshot computes the current queue view for the doctor/day. Pure read:
// no locks, no subscription, no side effects.
func (s *Service) GetSnapshot(ctx context.Context, doctorID, day string) (*types.QueueSnapshot, error) {
	tickets, err := s.repo.ListLiveTickets(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	return BuildSnapshot(doctorID, day, tickets), nil
}

// Join subscribes the caller to the doctor/day room after access scoping.
// The returned snapshot is the immediate point-to-point push for the new
// member; subsequent snapshots arrive on the subscription channel.
func (s *Service) Join(ctx context.Context, caller *types.CallerContext, doctorID, day string) (*Subscription, *types.QueueSnapshot, error) {
	if err := s.access.AuthorizeJoin(ctx, caller, doctorID, day); err != nil {
		return nil, nil, err
	}

	// Register membership before reading the snapshot: a mutation that
	// commits in between is then buffered on the subscription instead of
	// broadcast to nobody, so the viewer never starts out stale.
	sub := s.hub.Join(doctorID, day)

	snap, err := s.GetSnapshot(ctx, doctorID, day)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	return sub, snap, nil
}

// mutate runs one transition operation and, on success, recomputes the
// room's snapshot from post-commit state and broadcasts it
func (s *Service) mutate(ctx context.Context, caller *types.CallerContext, operation, doctorID, day string, op func() (*types.Ticket, error)) (*types.QueueSnapshot, error) {
	if err := s.access.AuthorizeMutation(caller, doctorID); err != nil {
		s.metrics.RecordQueueOperation(operation, "forbidden", 0)
		return nil, err
	}

	start := time.Now()
	ticket, err := op()
	if err != nil {
		s.metrics.RecordQueueOperation(operation, "error", time.Since(start))
		s.audit(caller, "queue."+operation, doctorID, false)
		return nil, err
	}
	s.metrics.RecordQueueOperation(operation, "success", time.Since(start))

	s.audit(caller, "queue."+operation, ticket.ID, true)
	return s.refreshAndBroadcast(ctx, doctorID, day)
}

// refreshAndBroadcast recomputes the room snapshot and fans it out. The
// snapshot is always derived from the mutation's post-commit state, so room
// members never observe a view older than the change that notified them.
func (s *Service) refreshAndBroadcast(ctx context.Context, doctorID, day string) (*types.QueueSnapshot, error) {
	snap, err := s.GetSnapshot(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(snap)
	return snap, nil
}

// audit records a mutation attempt in the audit log and metrics
func (s *Service) audit(caller *types.CallerContext, action, resource string, success bool) {
	userID := "anonymous"
	if caller != nil && caller.Claims != nil {
		userID = caller.Claims.UserID
	}

	s.logger.Audit(userID, action, resource, success, nil)
	s.metrics.RecordAuditEvent(action, success)
}

// validateCreateTicket validates booking input
func validateCreateTicket(req *CreateTicketRequest) error {
	if req.PatientID == "" {
		return &types.QueueError{Type: types.ErrorTypeValidation, Code: "INVALID_INPUT", Message: "patient ID is required"}
	}
	if req.PatientName == "" {
		return &types.QueueError{Type: types.ErrorTypeValidation, Code: "INVALID_INPUT", Message: "patient name is required"}
	}
	if req.DoctorID == "" {
		return &types.QueueError{Type: types.ErrorTypeValidation, Code: "INVALID_INPUT", Message: "doctor ID is required"}
	}
	if _, err := time.Parse(types.DayFormat, req.Day); err != nil {
		return &types.QueueError{Type: types.ErrorTypeValidation, Code: "INVALID_INPUT", Message: "day must be formatted YYYY-MM-DD"}
	}
	if req.ScheduledTime.IsZero() {
		return &types.QueueError{Type: types.ErrorTypeValidation, Code: "INVALID_INPUT", Message: "scheduled time is required"}
	}
	return nil
}

// Serve starts the queue service HTTP server and the broadcast relay
func (s *Service) Serve(addr string) error {
	router := mux.NewRouter()
	s.setupRoutes(router)

	relayCtx, cancel := context.WithCancel(context.Background())
	s.relayStop = cancel
	go func() {
		if err := s.hub.Run(relayCtx); err != nil && err != context.Canceled {
			s.logger.WithError(err).Error("Broadcast relay stopped")
		}
	}()

	// No global read/write timeouts: the room websocket endpoint holds
	// connections open for the length of a clinic session.
	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(s.config.Server.ReadTimeout) * time.Second,
		IdleTimeout:       time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}

	s.logger.Infof("Starting Queue Service on %s", addr)
	return s.server.ListenAndServe()
}

// Stop stops the queue service
func (s *Service) Stop() error {
	if s.relayStop != nil {
		s.relayStop()
	}

	if s.server != nil {
		s.logger.Info("Stopping Queue Service")
		if err := s.server.Close(); err != nil {
			return err
		}
	}

	return s.db.Close()
}
