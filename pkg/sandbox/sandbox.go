// Package sandbox executes proposals as WebAssembly modules under wazero.
//
// A proposal names its module by content hash in payload["module"]; the
// bytes are fetched from an artifacts.Store. The module receives the JSON
// encoded proposal on stdin and writes its result to stdout. No filesystem,
// network, environment or clock is exposed.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/helm/proposals/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// ModuleKey is the payload key holding the module content hash.
const ModuleKey = "module"

// OutputMaxBytes caps stdout+stderr of one execution.
const OutputMaxBytes = 1024 * 1024

// Deterministic error codes.
const (
	CodeModuleMissing   = "ERR_MODULE_MISSING"
	CodeCompileFailed   = "ERR_COMPILE_FAILED"
	CodeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	CodeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
	CodeExit            = "ERR_NONZERO_EXIT"
	CodeTrap            = "ERR_TRAP"
)

// Error is a typed sandbox failure.
type Error struct {
	Code       string `json:"code"`
	ProposalID string `json:"proposal_id"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: proposal %s: %s", e.Code, e.ProposalID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Config limits each execution.
type Config struct {
	MemoryLimitBytes int64         `yaml:"memory_limit_bytes"`
	TimeLimit        time.Duration `yaml:"time_limit"`
}

// DefaultConfig is 16 MiB and two seconds.
func DefaultConfig() Config {
	return Config{MemoryLimitBytes: 16 * 1024 * 1024, TimeLimit: 2 * time.Second}
}

// Executor implements contracts.Executor on a shared wazero runtime.
// Compiled modules are cached by content hash.
type Executor struct {
	runtime wazero.Runtime
	store   artifacts.Store
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// New creates the runtime and instantiates WASI preview1.
func New(ctx context.Context, store artifacts.Store, cfg Config, logger *slog.Logger) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("sandbox: nil artifact store")
	}
	if logger == nil {
		logger = slog.Default().With("component", "sandbox")
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Executor{
		runtime:  r,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Execute runs the module referenced by p.
func (x *Executor) Execute(ctx context.Context, p *contracts.Proposal) (*contracts.Result, error) {
	hash, _ := p.Payload[ModuleKey].(string)
	if hash == "" {
		return nil, &Error{Code: CodeModuleMissing, ProposalID: p.ID, Message: "payload has no module hash"}
	}
	input, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode proposal %s: %w", p.ID, err)
	}

	execCtx := ctx
	if x.cfg.TimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, x.cfg.TimeLimit)
		defer cancel()
	}

	compiled, err := x.compile(execCtx, p.ID, hash)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous so concurrent instances do not collide
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := x.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}
	if err != nil {
		if serr := x.classify(execCtx, p.ID, err, stderr.String()); serr != nil {
			return nil, serr
		}
	}

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return nil, &Error{
			Code:       CodeOutputExhausted,
			ProposalID: p.ID,
			Message:    fmt.Sprintf("output size %d exceeds limit %d", stdout.Len()+stderr.Len(), OutputMaxBytes),
		}
	}

	res := &contracts.Result{
		ProposalID:  p.ID,
		Output:      decodeOutput(stdout.Bytes()),
		Metadata:    map[string]any{"module": hash},
		Duration:    time.Since(start),
		CompletedAt: time.Now().UTC(),
	}
	if stderr.Len() > 0 {
		res.Metadata["stderr"] = stderr.String()
	}
	return res, nil
}

// classify maps an instantiation error. A clean exit(0) yields nil.
func (x *Executor) classify(ctx context.Context, id string, err error, stderr string) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch {
		case exit.ExitCode() == 0:
			return nil
		case ctx.Err() != nil:
			return &Error{Code: CodeTimeExhausted, ProposalID: id, Message: fmt.Sprintf("exceeded time limit (%s)", x.cfg.TimeLimit), Err: ctx.Err()}
		default:
			return &Error{Code: CodeExit, ProposalID: id, Message: fmt.Sprintf("exit code %d: %s", exit.ExitCode(), stderr), Err: err}
		}
	}
	if ctx.Err() != nil {
		return &Error{Code: CodeTimeExhausted, ProposalID: id, Message: fmt.Sprintf("exceeded time limit (%s)", x.cfg.TimeLimit), Err: ctx.Err()}
	}
	return &Error{Code: CodeTrap, ProposalID: id, Message: err.Error(), Err: err}
}

func (x *Executor) compile(ctx context.Context, id, hash string) (wazero.CompiledModule, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cm, ok := x.compiled[hash]; ok {
		return cm, nil
	}
	wasm, err := x.store.Get(ctx, hash)
	if err != nil {
		return nil, &Error{Code: CodeModuleMissing, ProposalID: id, Message: fmt.Sprintf("load module %s", hash), Err: err}
	}
	cm, err := x.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, &Error{Code: CodeCompileFailed, ProposalID: id, Message: fmt.Sprintf("compile module %s", hash), Err: err}
	}
	x.compiled[hash] = cm
	x.logger.Debug("module compiled", "hash", hash, "bytes", len(wasm))
	return cm, nil
}

// decodeOutput returns stdout as JSON when it parses, else as a string.
func decodeOutput(b []byte) any {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

// Close releases the runtime and every compiled module.
func (x *Executor) Close(ctx context.Context) error {
	x.mu.Lock()
	x.compiled = make(map[string]wazero.CompiledModule)
	x.mu.Unlock()
	return x.runtime.Close(ctx)
}
