package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/bags"
	"github.com/tracetrack/backend/internal/bills"
	"github.com/tracetrack/backend/internal/config"
	"github.com/tracetrack/backend/internal/database"
	"github.com/tracetrack/backend/internal/fabric"
	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
	"github.com/tracetrack/backend/internal/scan"
	"github.com/tracetrack/backend/internal/stats"
)

// Deps bundles everything the router wires together.
type Deps struct {
	Cfg     *config.Config
	DB      *database.DB
	Metrics *monitoring.Metrics
	Auditor *audit.Recorder
	Limiter *middleware.RateLimiter

	Auth    *auth.Service
	Bags    *bags.Service
	Bills   *bills.Service
	Scan    *scan.Pipeline
	Stats   *stats.Service
	Health  *monitoring.HealthChecker
	Hub     *fabric.Hub
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NewRouter assembles the route table. The middleware order is fixed:
// request id, security headers, panic recovery, then per-route rate limit,
// session, CSRF, instrumentation.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders(d.Cfg.IsProduction()))
	r.Use(middleware.Recover(d.Auditor))

	// anon wraps an unauthenticated endpoint with its rate limit class.
	anon := func(route string, class middleware.RouteClass, h http.Handler) http.Handler {
		return chain(h,
			middleware.RateLimit(d.Limiter, class, d.Metrics),
			middleware.Instrument(d.Metrics, route),
		)
	}
	// authed wraps an endpoint requiring a session at minRole. CSRF is
	// enforced on state-changing methods only.
	authed := func(route string, class middleware.RouteClass, minRole auth.Role, h http.Handler) http.Handler {
		return chain(h,
			middleware.RateLimit(d.Limiter, class, d.Metrics),
			middleware.RequireSession(d.Auth, minRole),
			middleware.RequireCSRF(d.Cfg.SessionSecret),
			middleware.Instrument(d.Metrics, route),
		)
	}

	api := middleware.ClassAPI

	// Auth and account.
	r.Handle("/login", anon("login", middleware.ClassLogin,
		Login(d.Auth, d.Cfg, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/2fa/verify", anon("2fa_verify", middleware.ClassTwoFA,
		Verify2FA(d.Auth, d.Cfg))).Methods(http.MethodPost)
	r.Handle("/logout", authed("logout", api, auth.RoleDispatcher,
		Logout(d.Auth, d.Cfg))).Methods(http.MethodPost)
	r.Handle("/me", authed("me", api, auth.RoleDispatcher,
		Me(d.Cfg))).Methods(http.MethodGet)
	r.Handle("/register", authed("register", middleware.ClassRegister, auth.RoleAdmin,
		Register(d.Auth, d.Auditor))).Methods(http.MethodPost)
	r.Handle("/password", authed("password", api, auth.RoleDispatcher,
		ChangePassword(d.Auth))).Methods(http.MethodPost)
	r.Handle("/2fa/enable", authed("2fa_enable", middleware.ClassTwoFA, auth.RoleDispatcher,
		Enable2FA(d.Auth))).Methods(http.MethodPost)
	r.Handle("/2fa/confirm", authed("2fa_confirm", middleware.ClassTwoFA, auth.RoleDispatcher,
		Confirm2FA(d.Auth))).Methods(http.MethodPost)
	r.Handle("/2fa/disable", authed("2fa_disable", middleware.ClassTwoFA, auth.RoleDispatcher,
		Disable2FA(d.Auth))).Methods(http.MethodPost)
	r.Handle("/api/users/{id}/role", authed("role_change", api, auth.RoleAdmin,
		ChangeRole(d.Auth))).Methods(http.MethodPut)

	// Scan pipeline.
	r.Handle("/scan/parent", authed("scan_parent", api, auth.RoleDispatcher,
		ScanParent(d.Scan, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/scan/child", authed("scan_child", api, auth.RoleDispatcher,
		ScanChild(d.Scan, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/scan/finish", authed("scan_finish", api, auth.RoleDispatcher,
		FinishScanning(d.Scan, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/scan/status", authed("scan_status", api, auth.RoleDispatcher,
		ScanStatus(d.Scan))).Methods(http.MethodGet)
	r.Handle("/api/scans/recent", authed("scans_recent", api, auth.RoleDispatcher,
		RecentScans(d.Scan))).Methods(http.MethodGet)

	// Bags and links.
	r.Handle("/api/bag/{qr}", authed("bag_get", api, auth.RoleDispatcher,
		GetBag(d.Bags))).Methods(http.MethodGet)
	r.Handle("/api/bag/{qr}", authed("bag_delete", api, auth.RoleAdmin,
		DeleteBag(d.Bags))).Methods(http.MethodDelete)
	r.Handle("/api/bags", authed("bags_list", api, auth.RoleDispatcher,
		ListBags(d.Bags))).Methods(http.MethodGet)
	r.Handle("/api/bags", authed("bag_create", api, auth.RoleBiller,
		CreateBag(d.Bags))).Methods(http.MethodPost)
	r.Handle("/api/links", authed("link_create", api, auth.RoleAdmin,
		CreateLink(d.Bags))).Methods(http.MethodPost)
	r.Handle("/api/links", authed("link_delete", api, auth.RoleAdmin,
		RemoveLink(d.Bags))).Methods(http.MethodDelete)

	// Bills.
	r.Handle("/bills", authed("bill_create", api, auth.RoleBiller,
		CreateBill(d.Bills, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/bills", authed("bills_list", api, auth.RoleBiller,
		ListBills(d.Bills))).Methods(http.MethodGet)
	r.Handle("/bills/{id}/attach", authed("bill_attach", api, auth.RoleBiller,
		AttachParent(d.Bills, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/bills/{id}/detach", authed("bill_detach", api, auth.RoleBiller,
		DetachParent(d.Bills, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/bills/{id}/finalize", authed("bill_finalize", api, auth.RoleBiller,
		FinalizeBill(d.Bills, d.Metrics))).Methods(http.MethodPost)
	r.Handle("/bills/{id}", authed("bill_delete", api, auth.RoleAdmin,
		DeleteBill(d.Bills, d.Metrics))).Methods(http.MethodDelete)
	r.Handle("/api/bills/{id}", authed("bill_get", api, auth.RoleBiller,
		GetBill(d.Bills))).Methods(http.MethodGet)

	// Statistics.
	r.Handle("/api/stats", authed("stats_global", api, auth.RoleDispatcher,
		GlobalStats(d.Stats))).Methods(http.MethodGet)
	r.Handle("/api/stats/me", authed("stats_me", api, auth.RoleDispatcher,
		MyStats(d.Stats))).Methods(http.MethodGet)
	r.Handle("/ws/stats", chain(http.HandlerFunc(d.Hub.HandleStats),
		middleware.RequireSession(d.Auth, auth.RoleDispatcher))).Methods(http.MethodGet)

	// Operational.
	r.Handle("/health", anon("health", middleware.ClassDefault,
		Health(d.DB))).Methods(http.MethodGet)
	r.Handle("/api/system_health", authed("system_health", api, auth.RoleAdmin,
		SystemHealth(d.Health))).Methods(http.MethodGet)
	r.Handle("/metrics", chain(promhttp.Handler(),
		middleware.RequireSession(d.Auth, auth.RoleAdmin))).Methods(http.MethodGet)

	return r
}
