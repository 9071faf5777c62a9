package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/db"
	"github.com/zulandar/senderyard/internal/dispatch"
	"github.com/zulandar/senderyard/internal/session"
)

const defaultClaimLimit = 10

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealthz(opts.DB))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	d := opts.Dispatcher
	authed := router.Group("/", requireBearer(opts.Secret))

	authed.GET("/actions/next", handleNextActions(d))
	authed.POST("/actions/:id/complete", handleComplete(d))
	authed.POST("/actions/:id/fail", handleFail(d))

	authed.GET("/senders", handleListSenders(d.Sessions()))
	authed.GET("/senders/:id/credentials", handleCredentials(d.Sessions()))
	authed.GET("/senders/:id/cookies", handleCookies(d.Sessions()))
	authed.POST("/senders/:id/session", handleSaveSession(d.Sessions()))
	authed.PATCH("/senders/:id/health", handleSetHealth(d.Sessions()))

	authed.GET("/usage/:senderId", handleUsage(d))
}

func handleHealthz(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusServiceUnavailable, api.HealthzResponse{Status: "unavailable", Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, api.HealthzResponse{Status: "ok"})
	}
}

func handleNextActions(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		senderID := c.Query("senderId")
		if senderID == "" {
			badRequest(c, "senderId is required")
			return
		}
		limit := defaultClaimLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				badRequest(c, "limit must be an integer")
				return
			}
			limit = n
		}

		claimed, err := d.Claim(c.Request.Context(), senderID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		out := api.NextActionsResponse{Actions: make([]api.Action, 0, len(claimed))}
		for _, a := range claimed {
			out.Actions = append(out.Actions, api.Action{
				ID:          a.ID,
				ActionType:  a.ActionType,
				PersonID:    a.PersonID,
				Payload:     api.RawJSON(a.Payload),
				LinkedInURL: a.LinkedInURL,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleComplete(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.CompleteRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, "invalid request body")
			return
		}
		if err := d.Complete(c.Request.Context(), c.Param("id"), api.JSONText(req.Result)); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.OKResponse{OK: true})
	}
}

func handleFail(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.FailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.Error == "" {
			badRequest(c, "error is required")
			return
		}
		if err := d.Fail(c.Request.Context(), c.Param("id"), req.Error); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.OKResponse{OK: true})
	}
}

func handleListSenders(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var views []session.SenderView
		err := db.Retry(ctx, func() error {
			var err error
			views, err = store.List(ctx, c.Query("workspace"))
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		out := api.SendersResponse{Senders: make([]api.Sender, 0, len(views))}
		for _, v := range views {
			out.Senders = append(out.Senders, api.Sender{
				ID:             v.ID,
				WorkspaceID:    v.WorkspaceID,
				Name:           v.Name,
				Tier:           v.Tier,
				ProxyRef:       v.ProxyRef,
				SessionStatus:  v.SessionStatus,
				HealthStatus:   v.HealthStatus,
				HealthReason:   v.HealthReason,
				LastActiveAt:   v.LastActiveAt,
				HasCredentials: v.HasCredentials,
				Cookies:        toAPICookies(v.Cookies),
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleCredentials(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var creds *session.Credentials
		err := db.Retry(ctx, func() error {
			var err error
			creds, err = store.GetCredentials(ctx, c.Param("id"))
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.CredentialsResponse{
			Email:      creds.Email,
			Password:   creds.Password,
			TOTPSecret: creds.TOTPSecret,
		})
	}
}

func handleCookies(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var cookies []session.Cookie
		err := db.Retry(ctx, func() error {
			var err error
			cookies, err = store.GetCookies(ctx, c.Param("id"))
			return err
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.CookiesResponse{Cookies: toAPICookies(cookies)})
	}
}

func handleSaveSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.SaveSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.Cookies == nil {
			badRequest(c, "cookies are required")
			return
		}
		jar := make([]session.Cookie, 0, len(req.Cookies))
		for _, ck := range req.Cookies {
			jar = append(jar, session.Cookie(ck))
		}
		ctx := c.Request.Context()
		err := db.Retry(ctx, func() error {
			return store.SaveSession(ctx, c.Param("id"), jar)
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.OKResponse{OK: true})
	}
}

func handleSetHealth(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.HealthRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		ctx := c.Request.Context()
		change := session.HealthChange{
			Status: req.HealthStatus,
			Reason: req.Reason,
			Source: session.SourceWorker,
		}
		err := db.Retry(ctx, func() error {
			return store.SetHealth(ctx, c.Param("id"), change)
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.OKResponse{OK: true})
	}
}

func handleUsage(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := d.Usage(c.Request.Context(), c.Param("senderId"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := api.UsageResponse{
			SenderID: report.SenderID,
			Tier:     report.Tier,
			Day:      report.Day,
			Usage:    make([]api.TypeUsage, 0, len(report.Usage)),
		}
		for _, u := range report.Usage {
			out.Usage = append(out.Usage, api.TypeUsage(u))
		}
		c.JSON(http.StatusOK, out)
	}
}

// toAPICookies keeps nil as nil so an absent session encodes as null.
func toAPICookies(in []session.Cookie) []api.Cookie {
	if in == nil {
		return nil
	}
	out := make([]api.Cookie, 0, len(in))
	for _, ck := range in {
		out = append(out, api.Cookie(ck))
	}
	return out
}
