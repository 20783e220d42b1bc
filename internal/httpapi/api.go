package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"carebid.org/internal/cache"
	"carebid.org/internal/market"
	"carebid.org/internal/obs"
)

// ReadyProbe reports readiness, pinging the database when one is wired.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// UnreadCache is the read-side unread-count cache the handlers consult.
// *cache.UnreadCounter satisfies it; leaving Options.Unread nil disables
// caching entirely.
type UnreadCache interface {
	Get(ctx context.Context, identityID string) (int64, bool)
	Set(ctx context.Context, identityID string, count int64)
	Invalidate(ctx context.Context, identityID string)
}

var _ UnreadCache = (*cache.UnreadCounter)(nil)

type noopUnread struct{}

func (noopUnread) Get(context.Context, string) (int64, bool) { return 0, false }
func (noopUnread) Set(context.Context, string, int64)        {}
func (noopUnread) Invalidate(context.Context, string)        {}

// Options tunes the HTTP layer.
type Options struct {
	Version       string
	QuotationFee  int64
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
	Unread        UnreadCache
}

// API is the HTTP layer over the marketplace service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	market     market.Service
	unread     UnreadCache

	version       string
	quotationFee  int64
	rateBurst     int
	ratePerSecond int
	maxBodyBytes  int64
}

func New(rp ReadyProbe, svc market.Service, opts Options) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		market:        svc,
		unread:        opts.Unread,
		version:       opts.Version,
		quotationFee:  opts.QuotationFee,
		rateBurst:     opts.RateBurst,
		ratePerSecond: opts.RatePerSecond,
		maxBodyBytes:  opts.MaxBodyBytes,
	}
	if a.quotationFee <= 0 {
		a.quotationFee = 1
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = 25
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	if a.unread == nil {
		a.unread = noopUnread{}
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// marketplace surface
	a.mux.HandleFunc("/v1/identities", a.handleIdentitiesCollection)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentityResource)
	a.mux.HandleFunc("/v1/hospitals", a.handleHospitalsCollection)
	a.mux.HandleFunc("/v1/hospitals/", a.handleHospitalResource)
	a.mux.HandleFunc("/v1/suppliers", a.handleSuppliersCollection)
	a.mux.HandleFunc("/v1/suppliers/", a.handleSupplierResource)
	a.mux.HandleFunc("/v1/admin/organizations/", a.handleAdminOrganizations)
	a.mux.HandleFunc("/v1/admin/suppliers/", a.handleAdminSupplierCredits)
	a.mux.HandleFunc("/v1/packages", a.handlePackages)
	a.mux.HandleFunc("/v1/purchases", a.handlePurchasesCollection)
	a.mux.HandleFunc("/v1/purchases/", a.handlePurchaseResource)
	a.mux.HandleFunc("/v1/events/rfq", a.handleRFQEvent)
	a.mux.HandleFunc("/v1/events/quotation", a.handleQuotationEvent)
	a.mux.HandleFunc("/v1/events/quotation-status", a.handleQuotationStatusEvent)
	a.mux.HandleFunc("/v1/notifications", a.handleNotifications)
	a.mux.HandleFunc("/v1/notifications/unread-count", a.handleUnreadCount)
	a.mux.HandleFunc("/v1/notifications/", a.handleNotificationResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carebid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "carebid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
