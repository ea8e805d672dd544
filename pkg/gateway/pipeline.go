// Package gateway runs the request pipeline shared by every device route:
// resolve the caller and device, apply rate limits, consult the unreachable
// device cache, forward, classify and record.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/breaker"
	"github.com/strand-protocol/devgate/pkg/forwarder"
	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/observability"
	"github.com/strand-protocol/devgate/pkg/outcome"
	"github.com/strand-protocol/devgate/pkg/ratelimit"
)

// DefaultAccessLogTimeout bounds each asynchronous access-log write.
const DefaultAccessLogTimeout = 5 * time.Second

// Resolver authenticates calls and resolves devices.
type Resolver interface {
	Caller(ctx context.Context, token string) (*model.Identity, error)
	OwnedDevice(ctx context.Context, deviceID string, caller *model.Identity) (*model.Device, error)
	DeviceByToken(ctx context.Context, token, deviceID string) (*model.Device, error)
	PublicDevice(ctx context.Context, deviceID string) (*model.Device, error)
}

// Forwarder performs device calls.
type Forwarder interface {
	Forward(ctx context.Context, c forwarder.Call) forwarder.Result
	Check(ctx context.Context, d *model.Device) forwarder.Result
}

// AccessLog receives one record per forwarded call.
type AccessLog interface {
	RecordAccess(ctx context.Context, rec model.AccessRecord) error
}

// Envelope is the JSON body of every gateway response.
type Envelope struct {
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           string          `json:"code,omitempty"`
	Details        string          `json:"details,omitempty"`
	ResponseTime   int64           `json:"responseTime"`
	Cached         bool            `json:"cached,omitempty"`
	CacheExpiresIn int64           `json:"cacheExpiresIn,omitempty"`
	Scope          string          `json:"scope,omitempty"`
	RetryAfter     int64           `json:"retryAfter,omitempty"`
}

// Response is a finished gateway response.
type Response struct {
	Status int
	Header http.Header
	Body   Envelope
	// Outcome is the classification recorded for the call.
	Outcome outcome.Classification
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Resolver  Resolver
	Breaker   *breaker.Cache
	Forwarder Forwarder
	Recorder  observability.Recorder
	AccessLog AccessLog
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithAccessLogTimeout overrides DefaultAccessLogTimeout.
func WithAccessLogTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.accessTimeout = d }
}

// Pipeline executes gateway calls. It is safe for concurrent use.
type Pipeline struct {
	deps          Deps
	clock         clock.Clock
	logger        *zap.Logger
	accessTimeout time.Duration

	// inflight tracks detached device calls and access-log writes.
	inflight sync.WaitGroup
}

// New returns a Pipeline. Recorder and AccessLog may be nil.
func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:          deps,
		clock:         clock.New(),
		logger:        zap.NewNop(),
		accessTimeout: DefaultAccessLogTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.Named("gateway")
	return p
}

// Handle forwards call to its device.
func (p *Pipeline) Handle(ctx context.Context, route *Route, call Call) (Response, error) {
	return p.run(ctx, route, call, func(ctx context.Context, c Call, d *model.Device) forwarder.Result {
		return p.deps.Forwarder.Forward(ctx, forwarder.Call{Device: d, Endpoint: c.Endpoint, Method: c.Method, Body: c.Body})
	})
}

// Check runs a connection test against the call's device, gated exactly like
// Handle.
func (p *Pipeline) Check(ctx context.Context, route *Route, call Call) (Response, error) {
	resp, err := p.run(ctx, route, call, func(ctx context.Context, _ Call, d *model.Device) forwarder.Result {
		return p.deps.Forwarder.Check(ctx, d)
	})
	if err == nil && resp.Body.Success {
		resp.Body.Message = "connection established"
	}
	return resp, err
}

// Wait blocks until every detached device call and access-log write has
// finished, or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stage func(ctx context.Context, c Call, d *model.Device) forwarder.Result

func (p *Pipeline) run(ctx context.Context, route *Route, call Call, do stage) (Response, error) {
	start := p.clock.Now()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	subj, err := p.authorize(ctx, route, call)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			// The caller left during resolution; nothing was attempted.
			return Response{}, cerr
		}
		resp := p.rejected(outcome.As(err), call, start)
		p.record(route, call, subj, resp, false)
		return resp, nil
	}

	header := http.Header{}
	d := route.chain(call, subj).Admit()
	ratelimit.SetHeaders(header, d)
	if !d.Allowed {
		resp := p.rateLimited(d, header, start)
		p.record(route, call, subj, resp, false)
		return resp, nil
	}

	if e, ok := p.deps.Breaker.IsKnownUnreachable(subj.Device.ID); ok {
		resp := p.cachedOffline(e, header, start)
		p.logger.Debug("device known unreachable",
			zap.String("device_id", subj.Device.ID),
			zap.Int64("expires_in_ms", resp.Body.CacheExpiresIn))
		p.record(route, call, subj, resp, true)
		return resp, nil
	}

	// The device call outlives a departed caller so that its outcome is still
	// recorded and the breaker still learns about an unreachable device.
	done := make(chan Response, 1)
	detached := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic during device call",
					zap.String("request_id", call.ID),
					zap.Any("panic", r),
					zap.Stack("stack"))
				resp := p.rejected(outcome.Internal(fmt.Errorf("panic: %v", r)), call, start)
				p.record(route, call, subj, resp, false)
				done <- resp
			}
		}()
		res := settle(do(detached, call, subj.Device))
		resp := p.forwarded(res, header, start)
		p.record(route, call, subj, resp, false)
		p.logAccess(call, subj.Device, res)
		done <- resp
	}()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (p *Pipeline) authorize(ctx context.Context, route *Route, call Call) (Subject, error) {
	var s Subject
	if call.DeviceID == "" {
		return s, outcome.Invalid(outcome.CodeMissingDeviceID, "device id is required")
	}
	if route.Guard != nil {
		if err := route.Guard(call); err != nil {
			return s, err
		}
	}
	var err error
	switch route.Strategy {
	case SessionStrategy:
		if s.Caller, err = p.deps.Resolver.Caller(ctx, call.Token); err != nil {
			return s, err
		}
		s.Device, err = p.deps.Resolver.OwnedDevice(ctx, call.DeviceID, s.Caller)
	case DeviceTokenStrategy:
		s.Device, err = p.deps.Resolver.DeviceByToken(ctx, call.Token, call.DeviceID)
	case PublicStrategy:
		s.Device, err = p.deps.Resolver.PublicDevice(ctx, call.DeviceID)
	default:
		err = outcome.Internal(fmt.Errorf("route %s: unknown strategy %v", route.Name, route.Strategy))
	}
	return s, err
}

func (p *Pipeline) elapsed(start time.Time) int64 {
	return p.clock.Since(start).Milliseconds()
}

// Reject renders and records a failure found before the pipeline ran, such
// as an unreadable request body.
func (p *Pipeline) Reject(route *Route, call Call, err error) Response {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	resp := p.rejected(outcome.As(err), call, p.clock.Now())
	p.record(route, call, Subject{}, resp, false)
	return resp
}

// rejected renders a gateway-side failure. Internal faults are logged in full
// and returned with a generic message.
func (p *Pipeline) rejected(oe *outcome.Error, call Call, start time.Time) Response {
	if oe.Kind == outcome.InternalFault {
		p.logger.Error("internal gateway error",
			zap.String("request_id", call.ID),
			zap.String("device_id", call.DeviceID),
			zap.Error(oe))
	}
	return Response{
		Status: oe.Status,
		Header: http.Header{},
		Body: Envelope{
			Error:        oe.Message,
			Code:         oe.Code,
			ResponseTime: p.elapsed(start),
		},
		Outcome: outcome.Classification{Kind: oe.Kind, Code: oe.Code},
	}
}

func (p *Pipeline) rateLimited(d ratelimit.Decision, header http.Header, start time.Time) Response {
	return Response{
		Status: http.StatusTooManyRequests,
		Header: header,
		Body: Envelope{
			Error:        fmt.Sprintf("rate limit of %d requests exceeded for %s", d.Limit, d.Scope),
			Code:         outcome.CodeRateLimitExceeded,
			Scope:        d.Scope,
			RetryAfter:   ratelimit.RetryAfterSeconds(d.RetryAfter),
			ResponseTime: p.elapsed(start),
		},
		Outcome: outcome.Classification{Kind: outcome.RateLimited, Code: outcome.CodeRateLimitExceeded},
	}
}

// cachedOffline replays the failure stored when the device was marked.
func (p *Pipeline) cachedOffline(e breaker.Entry, header http.Header, start time.Time) Response {
	code, msg := e.Failure.Code, e.Failure.Message
	if code == "" {
		code = outcome.CodeDeviceOffline
	}
	if msg == "" {
		msg = "device offline"
	}
	return Response{
		Status: http.StatusOK,
		Header: header,
		Body: Envelope{
			Error:          msg,
			Message:        "device offline (cached)",
			Code:           code,
			Details:        e.Failure.Details,
			Cached:         true,
			CacheExpiresIn: p.deps.Breaker.Remaining(e).Milliseconds(),
			ResponseTime:   p.elapsed(start),
		},
		Outcome: outcome.Classification{GatewaySuccess: true, Kind: outcome.DeviceUnreachable, Code: code},
	}
}

func (p *Pipeline) forwarded(res forwarder.Result, header http.Header, start time.Time) Response {
	resp := Response{Status: res.Status, Header: header}
	resp.Body.ResponseTime = p.elapsed(start)
	if res.Success {
		resp.Body.Success = true
		resp.Body.Data = res.Data
		resp.Outcome = outcome.Classification{GatewaySuccess: true, Kind: outcome.None}
		return resp
	}
	resp.Body.Error = res.Message
	resp.Body.Code = res.Code
	resp.Body.Details = res.Details
	if res.Kind == outcome.DeviceUnreachable {
		// Offline is reported, not failed.
		resp.Status = http.StatusOK
		resp.Outcome = outcome.Classification{GatewaySuccess: true, Kind: outcome.DeviceUnreachable, Code: res.Code}
		return resp
	}
	resp.Body.Data = res.Data
	resp.Outcome = outcome.Classification{Kind: res.Kind, Code: res.Code}
	return resp
}

// settle applies the device's own verdict to a transport-level success. The
// body is read once; a false success flag or a known failure code fails the
// call even under a 2xx status.
func settle(res forwarder.Result) forwarder.Result {
	if !res.Success {
		return res
	}
	c := outcome.Classify(res.Status, outcome.ParsePayload(res.Data))
	if c.GatewaySuccess && c.Kind == outcome.None {
		return res
	}
	res.Success = false
	res.Kind = c.Kind
	res.Code = c.Code
	if res.Code == "" {
		res.Code = outcome.CodeDeviceAPIError
	}
	res.Message = payloadMessage(res.Data)
	return res
}

// payloadMessage returns the failure text a device put in its body.
func payloadMessage(raw json.RawMessage) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return "device reported failure"
}

// record hands the outcome to the recorder unless the route opts out.
func (p *Pipeline) record(route *Route, call Call, s Subject, resp Response, cached bool) {
	if p.deps.Recorder == nil || !route.records(call) {
		return
	}
	c := resp.Outcome
	o := observability.Outcome{
		ID:             call.ID,
		Time:           p.clock.Now(),
		Route:          route.Name,
		Method:         call.Method,
		Endpoint:       call.Endpoint,
		DeviceID:       call.DeviceID,
		Status:         resp.Status,
		Latency:        time.Duration(resp.Body.ResponseTime) * time.Millisecond,
		GatewaySuccess: c.GatewaySuccess,
		Kind:           c.Kind,
		Code:           c.Code,
		Message:        resp.Body.Error,
		Scope:          resp.Body.Scope,
		Cached:         cached,
	}
	if s.Device != nil {
		o.DeviceLabel = s.Device.Label()
	}
	if s.Caller != nil {
		o.CallerID = s.Caller.ID
	}
	p.deps.Recorder.Record(o)
}

// logAccess reports a forwarded call to the access log without blocking the
// response. Failures are logged only.
func (p *Pipeline) logAccess(call Call, d *model.Device, res forwarder.Result) {
	if p.deps.AccessLog == nil {
		return
	}
	rec := model.AccessRecord{
		ID:         call.ID,
		DeviceID:   d.ID,
		Endpoint:   call.Endpoint,
		Method:     call.Method,
		Success:    res.Success,
		Latency:    res.Latency,
		AccessedAt: p.clock.Now(),
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.accessTimeout)
		defer cancel()
		if err := p.deps.AccessLog.RecordAccess(ctx, rec); err != nil {
			p.logger.Warn("access log write failed",
				zap.String("request_id", call.ID),
				zap.String("device_id", d.ID),
				zap.Error(err))
		}
	}()
}
