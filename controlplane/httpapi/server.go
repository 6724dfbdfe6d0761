// Package httpapi is the control-plane REST surface (spec.md §4.15, §6).
// Every handler hands its work to the control-plane worker pool; the
// fasthttp I/O goroutine only parses the request and renders the response
// envelope. Errors map to the standard {reason} envelope: 4xx for caller
// mistakes, 5xx for platform failures (spec.md §7).
//
// Grounded on the pack's fasthttp servers (request routing by path switch,
// per-handler arg validation) and the teacher's htrun error-to-status
// mapping discipline.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"net"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/NVIDIA/aislambda/cmn"
	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/controlplane/cptcp"
	"github.com/NVIDIA/aislambda/controlplane/workers"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aislambda_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "status"})
	invokeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aislambda_http_invoke_duration_seconds",
		Help:    "End-to-end invoke latency.",
		Buckets: prometheus.DefBuckets,
	})
)

const (
	apiInvokePrefix = "/invoke/"
	swapWaitTimeout = 2 * time.Minute
	invokeTimeout   = 5 * time.Minute
)

type (
	createAppBody struct {
		CloudResourceName string `json:"cloud_resource_name"`
	}
	createProcessBody struct {
		VCPUs  int   `json:"vcpus"`
		Memory int64 `json:"memory"`
	}
	endpointResp struct {
		IP   string `json:"ip"`
		Port uint16 `json:"port"`
	}
	swapResp struct {
		SwapSize   uint64 `json:"swap_size"`
		SwapTimeMS uint64 `json:"swap_time_ms"`
	}
	listResp struct {
		Active  []string `json:"active"`
		Swapped []string `json:"swapped"`
	}
	invokeResp struct {
		Function   string `json:"function"`
		ReturnCode int32  `json:"return_code"`
		Result     string `json:"result"`
	}
	reasonResp struct {
		Reason string `json:"reason"`
	}
)

// Server is the control-plane HTTP front end.
type Server struct {
	cfg  *cmn.Config
	pool *workers.Pool
	tcp  *cptcp.Server
	srv  *fasthttp.Server

	metricsHandler fasthttp.RequestHandler
}

func New(cfg *cmn.Config, pool *workers.Pool, tcp *cptcp.Server) *Server {
	s := &Server{
		cfg:            cfg,
		pool:           pool,
		tcp:            tcp,
		metricsHandler: fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()),
	}
	s.srv = &fasthttp.Server{
		Handler:            s.route,
		Name:               "aislambda-controlplane",
		Concurrency:        fasthttp.DefaultConcurrency,
		MaxRequestBodySize: 64 * 1024 * 1024,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	addr := ":" + strconv.Itoa(s.cfg.HTTP.Port)
	nlog.Infof("http api listening on %s", addr)
	return s.srv.ListenAndServe(addr)
}

// Serve accepts on a caller-provided listener (tests, systemd sockets).
func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if path == "/metrics" {
		s.metricsHandler(ctx)
		return
	}
	if !s.authorize(ctx) {
		s.fail(ctx, path, fasthttp.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	if !ctx.IsPost() {
		s.fail(ctx, path, fasthttp.StatusMethodNotAllowed, "POST required")
		return
	}
	switch {
	case path == "/create_app":
		s.createApp(ctx)
	case path == "/delete_app":
		s.deleteApp(ctx)
	case path == "/create_process":
		s.createProcess(ctx)
	case path == "/stop_process":
		s.stopProcess(ctx)
	case path == "/swap_process":
		s.swapProcess(ctx)
	case path == "/delete_process":
		s.deleteProcess(ctx)
	case path == "/list_processes":
		s.listProcesses(ctx)
	case strings.HasPrefix(path, apiInvokePrefix):
		s.invoke(ctx, path)
	default:
		s.fail(ctx, path, fasthttp.StatusNotFound, "no such endpoint")
	}
}

func (s *Server) createApp(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	if name == "" {
		s.errOut(ctx, "/create_app", cos.NewErrInvalidArgument("name", "missing query argument"))
		return
	}
	var body createAppBody
	if len(ctx.PostBody()) > 0 {
		if err := jsonAPI.Unmarshal(ctx.PostBody(), &body); err != nil {
			s.errOut(ctx, "/create_app", cos.NewErrInvalidArgument("body", err.Error()))
			return
		}
	}
	if err := s.pool.CreateApplication(name, body.CloudResourceName, s.cfg.Workers.MaxFnPerProcess); err != nil {
		s.errOut(ctx, "/create_app", err)
		return
	}
	s.ok(ctx, "/create_app", nil)
}

func (s *Server) deleteApp(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	if err := s.pool.DeleteApplication(name); err != nil {
		s.errOut(ctx, "/delete_app", err)
		return
	}
	s.ok(ctx, "/delete_app", nil)
}

func (s *Server) createProcess(ctx *fasthttp.RequestCtx) {
	appName := string(ctx.QueryArgs().Peek("app"))
	procName := string(ctx.QueryArgs().Peek("name"))
	var body createProcessBody
	if err := jsonAPI.Unmarshal(ctx.PostBody(), &body); err != nil {
		s.errOut(ctx, "/create_process", cos.NewErrInvalidArgument("body", err.Error()))
		return
	}
	res := cluster.Resources{
		VCPUs:       body.VCPUs,
		MemoryMB:    body.Memory,
		BackendKind: s.cfg.BackendType,
	}
	ip, port, err := s.pool.CreateProcess(appName, procName, res)
	if err != nil {
		s.errOut(ctx, "/create_process", err)
		return
	}
	s.ok(ctx, "/create_process", endpointResp{IP: ip, Port: port})
}

func (s *Server) stopProcess(ctx *fasthttp.RequestCtx) {
	appName := string(ctx.QueryArgs().Peek("app"))
	procName := string(ctx.QueryArgs().Peek("name"))
	if err := s.pool.StopProcess(appName, procName); err != nil {
		s.errOut(ctx, "/stop_process", err)
		return
	}
	s.ok(ctx, "/stop_process", nil)
}

// swapProcess issues the SWAP_REQUEST and parks until the process reports
// its SWAP_CONFIRMATION (spec.md §6: the response carries the swap's size
// and duration).
func (s *Server) swapProcess(ctx *fasthttp.RequestCtx) {
	appName := string(ctx.QueryArgs().Peek("app"))
	procName := string(ctx.QueryArgs().Peek("name"))

	done := s.tcp.WaitSwap(procName)
	if err := s.pool.SwapProcess(appName, procName); err != nil {
		s.errOut(ctx, "/swap_process", err)
		return
	}
	select {
	case info := <-done:
		s.ok(ctx, "/swap_process", swapResp{SwapSize: info.Bytes, SwapTimeMS: info.ElapsedMS})
	case <-time.After(swapWaitTimeout):
		s.fail(ctx, "/swap_process", fasthttp.StatusGatewayTimeout, "swap confirmation timed out")
	}
}

func (s *Server) deleteProcess(ctx *fasthttp.RequestCtx) {
	appName := string(ctx.QueryArgs().Peek("app"))
	procName := string(ctx.QueryArgs().Peek("name"))
	if err := s.pool.DeleteProcess(appName, procName); err != nil {
		s.errOut(ctx, "/delete_process", err)
		return
	}
	s.ok(ctx, "/delete_process", nil)
}

func (s *Server) listProcesses(ctx *fasthttp.RequestCtx) {
	appName := string(ctx.QueryArgs().Peek("app"))
	active, swapped, err := s.pool.ListProcesses(appName)
	if err != nil {
		s.errOut(ctx, "/list_processes", err)
		return
	}
	if active == nil {
		active = []string{}
	}
	if swapped == nil {
		swapped = []string{}
	}
	s.ok(ctx, "/list_processes", listResp{Active: active, Swapped: swapped})
}

// invoke parses /invoke/<app>/<fname>, parks the response as a waiter bound
// to the invocation id, and renders {function, return_code, result} when
// the INVOCATION_RESULT comes back (spec.md §4.13, §6).
func (s *Server) invoke(ctx *fasthttp.RequestCtx, path string) {
	rest := strings.TrimPrefix(path, apiInvokePrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.errOut(ctx, "invoke", cos.NewErrInvalidArgument("path", "expected /invoke/<app>/<function>"))
		return
	}
	appName, fname := parts[0], parts[1]

	start := time.Now()
	done := make(chan struct{})
	var (
		res workers.Result
		err error
	)
	payload := append([]byte(nil), ctx.PostBody()...)
	s.pool.HandleInvocation(appName, fname, payload, func(r workers.Result, e error) {
		res, err = r, e
		close(done)
	})

	select {
	case <-done:
	case <-time.After(invokeTimeout):
		s.fail(ctx, "invoke", fasthttp.StatusGatewayTimeout, "invocation timed out")
		return
	}
	if err != nil {
		s.errOut(ctx, "invoke", err)
		return
	}
	invokeLatency.Observe(time.Since(start).Seconds())
	s.ok(ctx, "invoke", invokeResp{
		Function:   res.Function,
		ReturnCode: res.ReturnCode,
		Result:     string(res.Payload),
	})
}

//
// response plumbing
//

func (s *Server) ok(ctx *fasthttp.RequestCtx, route string, body any) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	if body == nil {
		body = struct{}{}
	}
	b, err := jsonAPI.Marshal(body)
	if err != nil {
		s.fail(ctx, route, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetBody(b)
	requestsTotal.WithLabelValues(route, "200").Inc()
}

func (s *Server) errOut(ctx *fasthttp.RequestCtx, route string, err error) {
	s.fail(ctx, route, statusOf(err), err.Error())
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, route string, status int, reason string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, _ := jsonAPI.Marshal(reasonResp{Reason: reason})
	ctx.SetBody(b)
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if status >= fasthttp.StatusInternalServerError {
		nlog.Errorf("%s: %s", route, reason)
	}
}

// statusOf maps the spec.md §7 error taxonomy onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case cos.IsErrObjectExists(err):
		return fasthttp.StatusConflict
	case cos.IsErrObjectDoesNotExist(err), cos.IsErrNotFound(err):
		return fasthttp.StatusNotFound
	case cos.IsErrInvalidProcessState(err):
		return fasthttp.StatusConflict
	default:
		if _, ok := err.(*cos.ErrInvalidArgument); ok {
			return fasthttp.StatusBadRequest
		}
		return fasthttp.StatusInternalServerError
	}
}
