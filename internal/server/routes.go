package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/viscactl/internal/auth"
	"github.com/danmuck/viscactl/internal/camera"
	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// commandRequest is the optional JSON body of a command call. Arg values
// may be numbers or symbolic names.
type commandRequest struct {
	Args         map[string]any `json:"args"`
	Timeout      string         `json:"timeout"`
	Retries      *int           `json:"retries"`
	Backpressure string         `json:"backpressure"`
}

type resultView struct {
	CommandID string `json:"command_id"`
	Op        string `json:"op"`
	Outcome   string `json:"outcome"`
	Slot      int    `json:"slot,omitempty"`
	Attempts  int    `json:"attempts"`
	Duration  string `json:"duration"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

type paramView struct {
	Name    string   `json:"name"`
	Doc     string   `json:"doc,omitempty"`
	Min     int      `json:"min"`
	Max     int      `json:"max"`
	Values  []string `json:"values,omitempty"`
	Default *int     `json:"default,omitempty"`
}

type operationView struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []paramView `json:"params,omitempty"`
	Fields      []paramView `json:"fields,omitempty"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"version": version,
			"cameras": len(s.Cameras.List()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/catalog", func(c *gin.Context) {
		cat := s.Cameras.Catalog()
		c.JSON(http.StatusOK, gin.H{
			"commands":  operationViews(cat.List(catalog.ClassCommand)),
			"inquiries": operationViews(cat.List(catalog.ClassInquiry)),
		})
	})

	r.GET("/cameras", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cameras": s.Cameras.List()})
	})

	r.GET("/cameras/:name", func(c *gin.Context) {
		cam, ok := s.camera(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, cam.Info())
	})

	r.GET("/cameras/:name/slots", func(c *gin.Context) {
		cam, ok := s.camera(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"slots": cam.Engine.Slots()})
	})

	r.GET("/cameras/:name/pending", func(c *gin.Context) {
		cam, ok := s.camera(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": cam.Engine.Pending()})
	})

	control := r.Group("/cameras/:name")
	if s.validator != nil {
		control.Use(auth.Require(s.validator))
	}
	control.POST("/commands/:op", s.handleCommand)
	control.POST("/reset", func(c *gin.Context) {
		cam, ok := s.camera(c)
		if !ok {
			return
		}
		if err := cam.Engine.Reset(c.Request.Context()); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/cameras/:name/inquiries/:op", s.handleInquiry)
}

func (s *Server) camera(c *gin.Context) (*camera.Camera, bool) {
	cam, err := s.Cameras.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return cam, true
}

func (s *Server) handleCommand(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	var req commandRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	name := c.Param("op")
	op, found := cam.Engine.Catalog().Command(name)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%v: %s", catalog.ErrUnknownOperation, name)})
		return
	}
	args, err := jsonArgs(op, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := callOptions(req.Timeout, req.Retries, req.Backpressure)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := cam.Engine.PerformCommand(c.Request.Context(), name, args, opts...)
	view := newResultView(res, err)
	if err != nil {
		c.JSON(errorStatus(err), view)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleInquiry(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	opts, err := callOptions(c.Query("timeout"), nil, c.Query("backpressure"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := cam.Engine.PerformInquiry(c.Request.Context(), c.Param("op"), opts...)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

// jsonArgs resolves decoded JSON values through the same path as CLI
// name=value pairs.
func jsonArgs(op catalog.Operation, in map[string]any) (catalog.Args, error) {
	pairs := make([]string, 0, len(in))
	for name, raw := range in {
		switch v := raw.(type) {
		case string:
			pairs = append(pairs, name+"="+v)
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%w: %s=%v is not an integer", catalog.ErrInvalidArgument, name, v)
			}
			pairs = append(pairs, name+"="+strconv.FormatInt(int64(v), 10))
		default:
			return nil, fmt.Errorf("%w: %s has unsupported type %T", catalog.ErrInvalidArgument, name, raw)
		}
	}
	return catalog.ParseArgs(op, pairs)
}

func callOptions(timeout string, retries *int, backpressure string) ([]session.CallOption, error) {
	var opts []session.CallOption
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", timeout)
		}
		opts = append(opts, session.WithTimeout(d))
	}
	if retries != nil {
		if *retries < 0 {
			return nil, fmt.Errorf("invalid retries %d", *retries)
		}
		opts = append(opts, session.WithRetries(*retries))
	}
	if backpressure != "" {
		bp, err := session.ParseBackpressure(backpressure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithBackpressure(bp))
	}
	return opts, nil
}

func newResultView(res session.Result, err error) resultView {
	view := resultView{
		CommandID: res.CommandID,
		Op:        res.Op,
		Outcome:   res.Outcome.String(),
		Slot:      res.Slot,
		Attempts:  res.Attempts,
		Duration:  res.Duration.String(),
	}
	if len(res.Reply.Raw) > 0 {
		view.Reply = fmt.Sprintf("% X", res.Reply.Raw)
	}
	if err != nil {
		view.Error = err.Error()
	}
	return view
}

func operationViews(ops []catalog.Operation) []operationView {
	out := make([]operationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationView{
			Name:        op.Name,
			Description: op.Description,
			Params:      paramViews(op.Params),
			Fields:      paramViews(op.Fields),
		})
	}
	return out
}

func paramViews(params []catalog.Param) []paramView {
	out := make([]paramView, 0, len(params))
	for _, p := range params {
		view := paramView{Name: p.Name, Doc: p.Doc, Min: p.Min, Max: p.Max, Values: p.ValueNames()}
		if p.Optional {
			def := p.Default
			view.Default = &def
		}
		out = append(out, view)
	}
	return out
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, camera.ErrUnknownCamera),
		errors.Is(err, catalog.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrParameterOutOfRange),
		errors.Is(err, catalog.ErrMissingParameter),
		errors.Is(err, catalog.ErrUnknownParameter),
		errors.Is(err, catalog.ErrInvalidArgument),
		errors.Is(err, frame.ErrInvalidFrame):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSlotAvailable),
		errors.Is(err, session.ErrInquiryBusy),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrCanceledLocally):
		return http.StatusConflict
	case errors.Is(err, frame.ErrSyntax),
		errors.Is(err, frame.ErrBufferFull),
		errors.Is(err, frame.ErrCanceled),
		errors.Is(err, frame.ErrNoSocket),
		errors.Is(err, frame.ErrNotExecutable),
		errors.Is(err, frame.ErrUnknownReply),
		errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
