package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"carebid.org/internal/audit"
	"carebid.org/internal/auth"
	"carebid.org/internal/market"
)

type createIdentityRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Type     string `json:"type"`
}

type joinOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

type createHospitalRequest struct {
	Name      string `json:"name"`
	CreatorID string `json:"creator_id"`
}

type createSupplierRequest struct {
	Name       string   `json:"name"`
	CreatorID  string   `json:"creator_id"`
	Categories []string `json:"categories"`
}

type decisionRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

type adjustCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type initiatePurchaseRequest struct {
	SupplierID string `json:"supplier_id"`
	PackageID  string `json:"package_id"`
}

type confirmPurchaseRequest struct {
	ProviderRef string `json:"provider_ref"`
}

type failPurchaseRequest struct {
	Reason string `json:"reason"`
}

type rfqEventRequest struct {
	RFQID        string `json:"rfq_id"`
	CategoryID   string `json:"category_id"`
	ProductName  string `json:"product_name"`
	HospitalName string `json:"hospital_name"`
}

type quotationEventRequest struct {
	QuotationID  string `json:"quotation_id"`
	RFQID        string `json:"rfq_id"`
	SupplierID   string `json:"supplier_id"`
	HospitalID   string `json:"hospital_id"`
	SupplierName string `json:"supplier_name"`
	ProductName  string `json:"product_name"`
	TotalPrice   int64  `json:"total_price"`
	Fee          int64  `json:"fee"`
}

type quotationStatusEventRequest struct {
	QuotationID  string `json:"quotation_id"`
	SupplierID   string `json:"supplier_id"`
	Status       string `json:"status"`
	HospitalName string `json:"hospital_name"`
	ProductName  string `json:"product_name"`
}

type fanoutResponse struct {
	Notified int `json:"notified"`
}

type balanceResponse struct {
	SupplierID string `json:"supplier_id"`
	Credits    int64  `json:"credits"`
}

type unreadCountResponse struct {
	IdentityID string `json:"identity_id"`
	Unread     int64  `json:"unread"`
}

// --- identities ---

func (a *API) handleIdentitiesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.market.CreateIdentity(r.Context(), market.NewIdentityInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Type:     market.AccountType(req.Type),
	})
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/identities/"+identity.ID)
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		identity, err := a.market.GetIdentity(r.Context(), parts[0])
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	case len(parts) == 2 && parts[1] == "organization":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req joinOrganizationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		identity, err := a.market.JoinOrganization(r.Context(), parts[0], strings.TrimSpace(req.OrganizationID))
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- organizations ---

func (a *API) handleHospitalsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createHospitalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	creatorID := a.defaultToCaller(r, req.CreatorID)
	h, err := a.market.CreateHospital(r.Context(), req.Name, creatorID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/hospitals/"+h.ID)
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) handleHospitalResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/hospitals/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	h, err := a.market.GetHospital(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) handleSuppliersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createSupplierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	creatorID := a.defaultToCaller(r, req.CreatorID)
	sup, err := a.market.CreateSupplier(r.Context(), req.Name, creatorID, req.Categories)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/suppliers/"+sup.ID)
	writeJSON(w, http.StatusCreated, sup)
}

func (a *API) handleSupplierResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/suppliers/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		sup, err := a.market.GetSupplier(r.Context(), parts[0])
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sup)
	case len(parts) == 2 && parts[1] == "credits":
		balance, err := a.market.Balance(r.Context(), parts[0])
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{SupplierID: parts[0], Credits: balance})
	case len(parts) == 3 && parts[1] == "credits" && parts[2] == "history":
		limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		history, err := a.market.History(r.Context(), parts[0], limit)
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": history})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- admin ---

func (a *API) handleAdminOrganizations(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/organizations/"), "/")
	if path == "pending" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		pending, err := a.market.ListPendingOrganizations(r.Context())
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": pending})
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "decision" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := a.market.DecideVerification(r.Context(), parts[0],
		market.VerificationStatus(strings.ToLower(strings.TrimSpace(req.Outcome))), req.Reason)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.verification.decide", map[string]string{
		"organization_id": decision.OrganizationID,
		"kind":            decision.Kind,
		"outcome":         string(decision.Outcome),
	})
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleAdminSupplierCredits(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/suppliers/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "credits" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req adjustCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caller, _ := auth.CallerID(r.Context())
	tx, err := a.market.RecordTransaction(r.Context(), market.TransactionInput{
		SupplierID:  parts[0],
		Kind:        market.KindAdminAdjustment,
		Amount:      req.Amount,
		Description: req.Description,
		ProcessedBy: caller,
	})
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.credits.adjust", map[string]string{
		"supplier_id": tx.SupplierID,
		"amount":      strconv.FormatInt(tx.Amount, 10),
		"balance":     strconv.FormatInt(tx.BalanceAfter, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

// --- packages and purchases ---

func (a *API) handlePackages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	packages, err := a.market.ListPackages(r.Context())
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": packages})
}

func (a *API) handlePurchasesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req initiatePurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.market.InitiatePurchase(r.Context(), strings.TrimSpace(req.SupplierID), strings.TrimSpace(req.PackageID))
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/purchases/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handlePurchaseResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/purchases/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch parts[1] {
	case "confirm":
		var req confirmPurchaseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.market.ConfirmPurchase(r.Context(), parts[0], strings.TrimSpace(req.ProviderRef))
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "market.purchase.confirm", map[string]string{
			"purchase_id": p.ID,
			"supplier_id": p.SupplierID,
			"credits":     strconv.FormatInt(p.Credits, 10),
		})
		writeJSON(w, http.StatusOK, p)
	case "fail":
		var req failPurchaseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.market.FailPurchase(r.Context(), parts[0], req.Reason)
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "market.purchase.fail", map[string]string{
			"purchase_id": p.ID,
			"supplier_id": p.SupplierID,
			"reason":      p.FailReason,
		})
		writeJSON(w, http.StatusOK, p)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- orchestrator events ---

func (a *API) handleRFQEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req rfqEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RFQID) == "" || strings.TrimSpace(req.CategoryID) == "" {
		writeError(w, r, http.StatusBadRequest, "rfq_id and category_id are required")
		return
	}
	count, err := a.market.Notify(r.Context(), market.NewRFQ{
		RFQID:        req.RFQID,
		CategoryID:   req.CategoryID,
		ProductName:  req.ProductName,
		HospitalName: req.HospitalName,
	})
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.event.rfq", map[string]string{
		"rfq_id":   req.RFQID,
		"notified": strconv.Itoa(count),
	})
	writeJSON(w, http.StatusAccepted, fanoutResponse{Notified: count})
}

func (a *API) handleQuotationEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req quotationEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SupplierID) == "" || strings.TrimSpace(req.HospitalID) == "" {
		writeError(w, r, http.StatusBadRequest, "supplier_id and hospital_id are required")
		return
	}
	fee := req.Fee
	if fee == 0 {
		fee = a.quotationFee
	}
	tx, err := a.market.SubmitQuotation(r.Context(), req.SupplierID, market.QuotationSubmitted{
		QuotationID:  req.QuotationID,
		RFQID:        req.RFQID,
		HospitalID:   req.HospitalID,
		SupplierName: req.SupplierName,
		ProductName:  req.ProductName,
		TotalPrice:   req.TotalPrice,
	}, fee)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.event.quotation", map[string]string{
		"quotation_id": req.QuotationID,
		"supplier_id":  req.SupplierID,
		"fee":          strconv.FormatInt(fee, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleQuotationStatusEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req quotationStatusEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	count, err := a.market.Notify(r.Context(), market.QuotationStatusChanged{
		QuotationID:  req.QuotationID,
		SupplierID:   req.SupplierID,
		Status:       market.QuotationStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		HospitalName: req.HospitalName,
		ProductName:  req.ProductName,
	})
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.event.quotation_status", map[string]string{
		"quotation_id": req.QuotationID,
		"status":       req.Status,
		"notified":     strconv.Itoa(count),
	})
	writeJSON(w, http.StatusAccepted, fanoutResponse{Notified: count})
}

// --- notifications ---

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identityID := a.identityParam(r)
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	onlyUnread := r.URL.Query().Get("unread") == "true"
	items, err := a.market.Notifications(r.Context(), identityID, onlyUnread, limit)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identityID := a.identityParam(r)
	// The cache is consulted only for the caller's own count. Reads on
	// someone else's behalf always go through the service, where the
	// ownership check lives.
	if caller, _ := auth.CallerID(r.Context()); identityID == caller {
		if count, ok := a.unread.Get(r.Context(), identityID); ok {
			writeJSON(w, http.StatusOK, unreadCountResponse{IdentityID: identityID, Unread: count})
			return
		}
	}
	count, err := a.market.UnreadCount(r.Context(), identityID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.unread.Set(r.Context(), identityID, count)
	writeJSON(w, http.StatusOK, unreadCountResponse{IdentityID: identityID, Unread: count})
}

func (a *API) handleNotificationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/notifications/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "read" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identityID := a.identityParam(r)
	if err := a.market.MarkNotificationRead(r.Context(), identityID, parts[0]); err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.unread.Invalidate(r.Context(), identityID)
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// defaultToCaller returns the explicit id when given, otherwise the caller.
func (a *API) defaultToCaller(r *http.Request, explicit string) string {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return explicit
	}
	caller, _ := auth.CallerID(r.Context())
	return caller
}

// identityParam picks the target identity: the caller by default, an
// explicit identity_id query parameter when supplied (admins reading on
// behalf of someone; the guard enforces that).
func (a *API) identityParam(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("identity_id")); id != "" {
		return id
	}
	caller, _ := auth.CallerID(r.Context())
	return caller
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleMarketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, market.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrAlreadyDecided),
		errors.Is(err, market.ErrPurchaseDecided),
		errors.Is(err, market.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrInsufficientCredits),
		errors.Is(err, market.ErrSupplierNotApproved),
		errors.Is(err, market.ErrInactivePackage):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, market.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
