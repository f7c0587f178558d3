// Package facade implements the local HTTP façade of spec.md §6: a
// localhost-only surface for co-resident processes (tray, browser
// extension) that resolves every endpoint to a tool invocation through
// the dispatcher with identical pre-conditions and timeouts, or is a
// trivial status probe. Grounded on the teacher's gin + gin-contrib/cors
// convention (cmd/alex-server, cmd/alex-web).
package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fleetlink/endpoint-agent/internal/logging"
	"github.com/fleetlink/endpoint-agent/internal/session"
	"github.com/fleetlink/endpoint-agent/internal/shellsession"
)

// Handler is the subset of session.RequestHandler the façade needs; the
// CommandDispatcher satisfies it directly, so every façade call goes
// through the exact same pre-condition gate as a control-plane request.
type Handler interface {
	HandleRequest(ctx context.Context, id, method string, params json.RawMessage, origin string, sink session.Sink)
}

// Facade wraps Handler in a gin router bound to localhost only.
type Facade struct {
	router        *gin.Engine
	handler       Handler
	log           logging.Logger
	idSeq         func() string
	shellSessions *shellsession.Table
}

// New builds a Facade. idSeq generates request ids for façade-originated
// calls (normally uuid.NewString). shellSessions is the same table
// CommandDispatcher's shell_exec/shell_session_list tools populate
// (spec.md §3 "Shell session table"); the façade only reads from it.
func New(handler Handler, idSeq func() string, shellSessions *shellsession.Table, log logging.Logger) *Facade {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
	}))

	f := &Facade{router: r, handler: handler, log: logging.OrNop(log), idSeq: idSeq, shellSessions: shellSessions}
	r.GET("/healthz", f.handleHealthz)
	r.GET("/tools/list", f.handleToolsList)
	r.POST("/tools/call", f.handleToolsCall)
	r.GET("/shell/sessions", f.handleShellSessions)
	return f
}

// Router exposes the underlying gin engine for http.Server wiring.
func (f *Facade) Router() http.Handler { return f.router }

func (f *Facade) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (f *Facade) handleToolsList(c *gin.Context) {
	f.dispatch(c, "tools/list", nil)
}

// handleShellSessions reports the live shell_exec processes, reading the
// same table the shell_session_list tool serves over the control-plane
// connection.
func (f *Facade) handleShellSessions(c *gin.Context) {
	if f.shellSessions == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []shellsession.Entry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": f.shellSessions.List()})
}

func (f *Facade) handleToolsCall(c *gin.Context) {
	var body struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_arguments", "message": err.Error()})
		return
	}
	params, _ := json.Marshal(body)
	f.dispatch(c, "tools/call", params)
}

func (f *Facade) dispatch(c *gin.Context, method string, params json.RawMessage) {
	id := f.idSeq()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	result := make(chan session.Outcome, 1)
	f.handler.HandleRequest(ctx, id, method, params, "facade", session.SinkFunc(func(o session.Outcome) {
		result <- o
	}))

	select {
	case o := <-result:
		if o.Err != nil {
			c.JSON(http.StatusOK, gin.H{"error": string(o.Err.Kind), "message": o.Err.Error(), "reason": o.Err.Reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": o.Result})
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	}
}
