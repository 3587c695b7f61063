package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/lock"
	"github.com/usamaa022/cashier-system-sub000/internal/service"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *logrus.Logger
	validate      *validator.Validate
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

// riskPayload authorizes a change to a return that is already Paid.
type riskPayload struct {
	AcknowledgeRisk bool   `json:"acknowledge_risk"`
	ManagerPIN      string `json:"manager_pin" validate:"required_if=AcknowledgeRisk true"`
}

type returnUpdatePayload struct {
	domain.ReturnUpdateRequest
	riskPayload
}

func New(svc *service.Service, auth *AuthManager, logger *logrus.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		validate:      validator.New(),
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter("login", 5, time.Minute),
		pinLimiter:    newAttemptLimiter("pin", 8, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/sale-bills", a.requireAuth(a.handleSaleBills, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sale-bills/", a.requireAuth(a.handleSaleBillActions, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/returns/", a.requireAuth(a.handleReturnActions, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-bills", a.requireAuth(a.handlePurchaseBills, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-bills/preview", a.requireAuth(a.handlePurchasePreview, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-bills/", a.requireAuth(a.handlePurchaseBillActions, domain.RoleClerk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/payments", a.requireAuth(a.handlePayments, domain.RoleClerk, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(r) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSaleBills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		bills, err := a.service.ListSaleBills(r.Context(), domain.SaleBillFilter{
			PharmacyID:    query.Get("pharmacy_id"),
			PaymentStatus: query.Get("payment_status"),
		})
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale_bills": bills})
	case http.MethodPost:
		var req domain.SaleBillCreateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		bill, err := a.service.CreateSaleBill(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bill)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSaleBillActions serves /sale-bills/{id}, /sale-bills/{id}/return-draft
// and /sale-bills/{id}/reconcile.
func (a *API) handleSaleBillActions(w http.ResponseWriter, r *http.Request) {
	billID, action, ok := splitResource(r.URL.Path, "/api/v1/sale-bills/")
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("sale bill id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		bill, err := a.service.GetSaleBill(r.Context(), billID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bill)
	case "return-draft":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		draft, err := a.service.PrepareReturn(r.Context(), billID, r.URL.Query().Get("pharmacy_id"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draft)
	case "reconcile":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		report, err := a.service.ReconcileSaleBill(r.Context(), billID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown sale bill action"))
	}
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		records, err := a.service.ListReturns(r.Context(), domain.ReturnFilter{
			PharmacyID:        query.Get("pharmacy_id"),
			BillID:            query.Get("bill_id"),
			Note:              query.Get("note"),
			PharmacyReference: query.Get("pharmacy_reference"),
			PaymentStatus:     query.Get("payment_status"),
		})
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": records})
	case http.MethodPost:
		var req domain.ReturnSubmitRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		record, err := a.service.SubmitReturn(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleReturnActions serves /returns/{id} (GET, PUT, DELETE) and
// /returns/{id}/edit-draft.
func (a *API) handleReturnActions(w http.ResponseWriter, r *http.Request) {
	returnID, action, ok := splitResource(r.URL.Path, "/api/v1/returns/")
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("return id required"))
		return
	}

	if action == "edit-draft" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		draft, err := a.service.LoadReturnForEdit(r.Context(), returnID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draft)
		return
	}
	if action != "" {
		writeError(w, http.StatusNotFound, errors.New("unknown return action"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, err := a.service.GetReturn(r.Context(), returnID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPut:
		var req returnUpdatePayload
		if !a.decodeValid(w, r, &req) {
			return
		}
		ack, ok := a.acknowledgeRisk(w, r, returnID, req.riskPayload)
		if !ok {
			return
		}
		record, err := a.service.UpdateReturn(r.Context(), returnID, req.ReturnUpdateRequest, ack)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodDelete:
		var req riskPayload
		if r.ContentLength != 0 && !a.decodeValid(w, r, &req) {
			return
		}
		ack, ok := a.acknowledgeRisk(w, r, returnID, req)
		if !ok {
			return
		}
		if err := a.service.DeleteReturn(r.Context(), returnID, ack); err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": returnID})
	default:
		writeMethodNotAllowed(w)
	}
}

// acknowledgeRisk checks the manager PIN when the caller acknowledged the
// risk and mints the acknowledgement for the service. Without an
// acknowledgement it returns nil and lets the service decide whether one was
// needed.
func (a *API) acknowledgeRisk(w http.ResponseWriter, r *http.Request, returnID string, payload riskPayload) (*domain.RiskAcknowledgement, bool) {
	if !payload.AcknowledgeRisk {
		return nil, true
	}
	if !a.pinLimiter.Allow(r) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return nil, false
	}
	if !a.auth.ValidateManagerPIN(payload.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return nil, false
	}
	actor, _ := service.ActorFromContext(r.Context())
	return domain.NewRiskAcknowledgement(returnID, actor.Username), true
}

func (a *API) handlePurchaseBills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bills, err := a.service.ListPurchaseBills(r.Context(), r.URL.Query().Get("company_id"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchase_bills": bills})
	case http.MethodPost:
		var req domain.PurchaseBillRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		bill, err := a.service.CreatePurchaseBill(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bill)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchasePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PurchaseBillRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	preview, err := a.service.PreviewPurchaseBill(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) handlePurchaseBillActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	billID, action, ok := splitResource(r.URL.Path, "/api/v1/purchase-bills/")
	if !ok || action != "" {
		writeError(w, http.StatusNotFound, errors.New("purchase bill id required"))
		return
	}
	bill, err := a.service.GetPurchaseBill(r.Context(), billID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payments, err := a.service.ListPayments(r.Context(), r.URL.Query().Get("pharmacy_id"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	case http.MethodPost:
		var req domain.PaymentCreateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		payment, err := a.service.CreatePayment(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payment)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("entity_type"), query.Get("entity_id"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}

		user, err := a.auth.CreateClerk(r.Context(), req)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrUsernameTaken) || errors.Is(err, store.ErrInvalidTransaction) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

// splitResource parses "{prefix}{id}" or "{prefix}{id}/{action}".
func splitResource(path string, prefix string) (string, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	id, action, _ := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return id, action, true
}

// decodeValid decodes the body into dest and runs struct validation. It
// writes the error response itself and reports whether the handler may go on.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			details := make(map[string]string, len(fieldErrors))
			for _, fe := range fieldErrors {
				details[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   "invalid request",
				"details": details,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps service and store errors onto HTTP status codes.
func statusFor(err error) int {
	var validation *service.ValidationError
	var integrity *service.IntegrityError
	switch {
	case errors.Is(err, service.ErrRiskNotAcknowledged):
		return http.StatusPreconditionRequired
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &integrity), errors.Is(err, store.ErrConflict), errors.Is(err, lock.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidDate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.WithError(err).WithField("status", status).Error("internal error")
		writeError(w, status, err)
		return
	}

	var validation *service.ValidationError
	if errors.As(err, &validation) {
		body := map[string]any{"error": validation.Error()}
		if len(validation.Details) > 0 {
			body["details"] = validation.Details
		}
		if len(validation.Barcodes) > 0 {
			body["barcodes"] = validation.Barcodes
		}
		writeJSON(w, status, body)
		return
	}
	writeError(w, status, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
