package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

// MaxInvokeDepth bounds the program call stack, top-level instruction included.
const MaxInvokeDepth = 4

var (
	ErrUnknownProgram              = errors.New("unknown program")
	ErrMissingAccount              = errors.New("instruction account was not provided")
	ErrPrivilegeEscalation         = errors.New("cross-program invocation escalates account privileges")
	ErrReadonlyDataModified        = errors.New("read-only account modified")
	ErrExternalAccountDataModified = errors.New("account modified by a program that does not own it")
	ErrAccountDataSizeChanged      = errors.New("account data size changed")
	ErrReentrancy                  = errors.New("cross-program invocation re-enters a program on the call stack")
	ErrCallDepth                   = errors.New("max invoke depth exceeded")
	ErrDuplicateAccountInfo        = errors.New("conflicting account infos for the same key")
)

// NativeLoaderID owns every program account the runtime synthesizes.
var NativeLoaderID = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")

// AccountInfo is the view of an account a program receives. Data is shared
// between a caller and the programs it invokes, so writes made during a
// cross-program invocation are visible to the caller once it returns.
type AccountInfo struct {
	Key        solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
	IsSigner   bool
	IsWritable bool
}

type Program interface {
	Process(ictx *InvokeContext, accounts []*AccountInfo, data []byte) error
}

type ProgramFunc func(ictx *InvokeContext, accounts []*AccountInfo, data []byte) error

func (f ProgramFunc) Process(ictx *InvokeContext, accounts []*AccountInfo, data []byte) error {
	return f(ictx, accounts, data)
}

// Runtime holds the registered programs. Programs must be registered before
// the runtime is shared between goroutines.
type Runtime struct {
	programs map[solana.PublicKey]Program
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runtime{
		programs: make(map[solana.PublicKey]Program),
		logger:   logger.With("component", "runtime"),
	}
}

func (r *Runtime) Register(programID solana.PublicKey, program Program) {
	r.programs[programID] = program
}

func (r *Runtime) IsProgram(key solana.PublicKey) bool {
	_, ok := r.programs[key]
	return ok
}

// ProcessInstruction runs one top-level instruction over caller-owned
// accounts. Account writes are applied in place; callers that need
// all-or-nothing behaviour work on copies, as Executor does.
func (r *Runtime) ProcessInstruction(ctx context.Context, programID solana.PublicKey, accounts []*AccountInfo, data []byte) ([]string, error) {
	known := make(map[solana.PublicKey]*AccountInfo, len(accounts))
	for _, account := range accounts {
		if existing, ok := known[account.Key]; ok && existing != account {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccountInfo, account.Key)
		}
		known[account.Key] = account
	}

	var logs []string
	root := &InvokeContext{
		ctx:  ctx,
		rt:   r,
		logs: &logs,
	}
	err := root.call(programID, accounts, data)
	return logs, err
}
