// Package scripthost runs tenant-supplied sandboxed provider scripts
// (spec §4.D). Each login/validation attempt gets its own Lua state; the
// host races the script's one-shot `commit` callback against a wall-clock
// timeout and exposes the committed decision through typed getters.
package scripthost

import (
	"context"
	"crypto/md5" //nolint:gosec // exposed to scripts as a content hash helper, not for security use
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/uitsmijter/core/pkg/logger"
)

// DefaultTimeout is the wall-clock budget for a single script invocation
// (spec §4.D, §6 PROVIDER.SCRIPT_TIMEOUT, default 10s).
const DefaultTimeout = 10 * time.Second

// Failure kinds a script invocation can fail with (spec §4.D).
var (
	ErrSyntaxError   = errors.New("scripthost: syntax error")
	ErrTimeout       = errors.New("scripthost: timeout")
	ErrNoResults     = errors.New("scripthost: commit was never called")
	ErrPropertyCast  = errors.New("scripthost: property type mismatch")
)

// Credentials is the argument passed to UserLoginProvider.
type Credentials struct {
	Username string
	Password string
}

// ValidationArgs is the argument passed to UserValidationProvider.
type ValidationArgs struct {
	Username string
	Subject  string
}

// Result is the decoded outcome of a script invocation: the committed
// decision plus whatever metadata/profile fields the script set.
type Result struct {
	Decision bool
	Subject  string
	Scopes   []string
	Role     string
	Profile  map[string]interface{}
}

// Host runs tenant scripts. It holds no per-invocation state; a fresh Lua
// VM is created for every call, per spec §5 ("Script Provider: one host
// instance per invocation; never shared across requests").
type Host struct {
	Timeout time.Duration
	HTTP    *http.Client
}

// New constructs a Host with the default timeout.
func New() *Host {
	return &Host{Timeout: DefaultTimeout, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// RunLogin evaluates UserLoginProvider(credentials) across the tenant's
// concatenated script sources.
func (h *Host) RunLogin(ctx context.Context, sources []string, creds Credentials) (Result, error) {
	arg := func(l *lua.LState) lua.LValue {
		tbl := l.NewTable()
		tbl.RawSetString("username", lua.LString(creds.Username))
		tbl.RawSetString("password", lua.LString(creds.Password))
		return tbl
	}
	return h.run(ctx, sources, "UserLoginProvider", arg)
}

// RunValidate evaluates UserValidationProvider(args) across the tenant's
// concatenated script sources.
func (h *Host) RunValidate(ctx context.Context, sources []string, args ValidationArgs) (Result, error) {
	arg := func(l *lua.LState) lua.LValue {
		tbl := l.NewTable()
		tbl.RawSetString("username", lua.LString(args.Username))
		tbl.RawSetString("subject", lua.LString(args.Subject))
		return tbl
	}
	return h.run(ctx, sources, "UserValidationProvider", arg)
}

type commitPayload struct {
	value lua.LValue
	meta  *lua.LTable
}

func (h *Host) run(ctx context.Context, sources []string, entryPoint string, makeArg func(*lua.LState) lua.LValue) (Result, error) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer l.Close()
	l.SetContext(runCtx)

	committed := make(chan commitPayload, 1)
	h.registerHelpers(l, committed)

	for _, src := range sources {
		if err := l.DoString(src); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrSyntaxError, err)
		}
	}

	fn := l.GetGlobal(entryPoint)
	if fn.Type() != lua.LTFunction {
		return Result{}, fmt.Errorf("%w: %s not defined", ErrSyntaxError, entryPoint)
	}

	// The VM itself aborts a running call once runCtx is done (gopher-lua
	// checks the context between instructions), which is what lets the
	// timeout branch below actually reclaim a script stuck in a loop
	// instead of leaking the goroutine forever.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("scripthost: panic: %v", r)
			}
		}()
		done <- l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, makeArg(l))
	}()

	select {
	case err := <-done:
		if err != nil {
			if runCtx.Err() != nil {
				return Result{}, ErrTimeout
			}
			return Result{}, fmt.Errorf("%w: %v", ErrSyntaxError, err)
		}
		select {
		case payload := <-committed:
			return decodeResult(payload)
		default:
			return Result{}, ErrNoResults
		}
	case <-runCtx.Done():
		return Result{}, ErrTimeout
	}
}

func decodeResult(p commitPayload) (Result, error) {
	res := Result{}

	switch v := p.value.(type) {
	case lua.LBool:
		res.Decision = bool(v)
	case *lua.LTable:
		res.Decision = luaTruthyField(v, "canLogin", "isValid")
		if profile := toProfile(v); profile != nil {
			res.Profile = profile
		}
		if role, ok := luaStringField(v, "role"); ok {
			res.Role = role
		}
		if scopes, ok := luaStringSliceField(v, "scopes"); ok {
			res.Scopes = scopes
		}
	case *lua.LNilType, nil:
		return Result{}, ErrNoResults
	default:
		return Result{}, fmt.Errorf("%w: commit value must be boolean or table, got %T", ErrPropertyCast, p.value)
	}

	if p.meta != nil {
		if subject, ok := luaStringField(p.meta, "subject"); ok {
			res.Subject = subject
		}
		if scopes, ok := luaStringSliceField(p.meta, "scopes"); ok {
			res.Scopes = scopes
		}
	}

	return res, nil
}

func luaTruthyField(tbl *lua.LTable, names ...string) bool {
	for _, name := range names {
		v := tbl.RawGetString(name)
		if v == lua.LNil {
			continue
		}
		if b, ok := v.(lua.LBool); ok {
			return bool(b)
		}
	}
	return true
}

func luaStringField(tbl *lua.LTable, name string) (string, bool) {
	v := tbl.RawGetString(name)
	if s, ok := v.(lua.LString); ok {
		return string(s), true
	}
	return "", false
}

func luaStringSliceField(tbl *lua.LTable, name string) ([]string, bool) {
	v := tbl.RawGetString(name)
	arr, ok := v.(*lua.LTable)
	if !ok {
		return nil, false
	}
	var out []string
	arr.ForEach(func(_ lua.LValue, value lua.LValue) {
		if s, ok := value.(lua.LString); ok {
			out = append(out, string(s))
		}
	})
	return out, true
}

func toProfile(tbl *lua.LTable) map[string]interface{} {
	profileTbl, ok := tbl.RawGetString("profile").(*lua.LTable)
	if !ok {
		profileTbl, ok = tbl.RawGetString("userProfile").(*lua.LTable)
	}
	if !ok || profileTbl == nil {
		return nil
	}
	return luaTableToMap(profileTbl)
}

func luaTableToMap(tbl *lua.LTable) map[string]interface{} {
	out := make(map[string]interface{})
	tbl.ForEach(func(key, value lua.LValue) {
		out[key.String()] = luaValueToGo(value)
	})
	return out
}

func luaValueToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		return luaTableToMap(val)
	default:
		return v.String()
	}
}

// registerHelpers installs say/console/md5/sha256/fetch/commit/JSON into L,
// per spec §4.D.
func (h *Host) registerHelpers(l *lua.LState, committed chan<- commitPayload) {
	l.SetGlobal("say", l.NewFunction(func(l *lua.LState) int {
		logger.Infow("script say", "message", l.ToString(1))
		return 0
	}))

	console := l.NewTable()
	l.SetField(console, "log", l.NewFunction(func(l *lua.LState) int {
		logger.Infow("script console.log", "message", l.ToString(1))
		return 0
	}))
	l.SetField(console, "error", l.NewFunction(func(l *lua.LState) int {
		logger.Warnw("script console.error", "message", l.ToString(1))
		return 0
	}))
	l.SetGlobal("console", console)

	l.SetGlobal("md5", l.NewFunction(func(l *lua.LState) int {
		sum := md5.Sum([]byte(l.ToString(1))) //nolint:gosec
		l.Push(lua.LString(hex.EncodeToString(sum[:])))
		return 1
	}))

	l.SetGlobal("sha256", l.NewFunction(func(l *lua.LState) int {
		sum := sha256.Sum256([]byte(l.ToString(1)))
		l.Push(lua.LString(hex.EncodeToString(sum[:])))
		return 1
	}))

	l.SetGlobal("fetch", l.NewFunction(func(l *lua.LState) int {
		method := strings.ToUpper(l.OptString(2, "GET"))
		url := l.ToString(1)
		body := l.OptString(3, "")

		client := h.HTTP
		if client == nil {
			client = http.DefaultClient
		}

		req, err := http.NewRequest(method, url, strings.NewReader(body))
		if err != nil {
			l.Push(lua.LNil)
			l.Push(lua.LString(err.Error()))
			return 2
		}
		resp, err := client.Do(req)
		if err != nil {
			l.Push(lua.LNil)
			l.Push(lua.LString(err.Error()))
			return 2
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		l.Push(lua.LString(data))
		return 1
	}))

	jsonTbl := l.NewTable()
	l.SetField(jsonTbl, "stringify", l.NewFunction(func(l *lua.LState) int {
		v := l.Get(1)
		encoded, err := json.Marshal(luaValueToGo(v))
		if err != nil {
			l.Push(lua.LNil)
			return 1
		}
		l.Push(lua.LString(encoded))
		return 1
	}))
	l.SetGlobal("JSON", jsonTbl)

	l.SetGlobal("commit", l.NewFunction(func(l *lua.LState) int {
		value := l.Get(1)
		var meta *lua.LTable
		if m, ok := l.Get(2).(*lua.LTable); ok {
			meta = m
		}
		select {
		case committed <- commitPayload{value: value, meta: meta}:
		default:
			// commit already called once this invocation; spec requires
			// the script call it exactly once, later calls are ignored.
		}
		return 0
	}))
}
