package runtime

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"
)

type accountSnapshot struct {
	owner    solana.PublicKey
	lamports uint64
	data     []byte
}

// InvokeContext is handed to a program for the duration of one invocation.
type InvokeContext struct {
	ctx      context.Context
	rt       *Runtime
	stack    []solana.PublicKey
	accounts []*AccountInfo
	baseline []accountSnapshot
	logs     *[]string
}

func (c *InvokeContext) Context() context.Context {
	return c.ctx
}

func (c *InvokeContext) ProgramID() solana.PublicKey {
	return c.stack[len(c.stack)-1]
}

func (c *InvokeContext) Depth() int {
	return len(c.stack)
}

func (c *InvokeContext) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	*c.logs = append(*c.logs, line)
	c.rt.logger.Debug("program log", "depth", len(c.stack), "line", line)
}

// Invoke performs a cross-program invocation. Every account named by the
// instruction must be among accounts, which in turn must have been handed to
// the calling program, and no account may gain signer or writable privileges
// on the way down.
func (c *InvokeContext) Invoke(ix solana.Instruction, accounts ...*AccountInfo) error {
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("encode instruction data: %w", err)
	}

	provided := make(map[solana.PublicKey]*AccountInfo, len(accounts))
	for _, account := range accounts {
		own := c.lookup(account.Key)
		if own == nil {
			return fmt.Errorf("%w: %s is not an account of the calling program", ErrMissingAccount, account.Key)
		}
		provided[account.Key] = own
	}

	metas := ix.Accounts()
	callee := make([]*AccountInfo, 0, len(metas))
	for _, meta := range metas {
		info, ok := provided[meta.PublicKey]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingAccount, meta.PublicKey)
		}
		if meta.IsSigner && !info.IsSigner {
			return fmt.Errorf("%w: %s is not a signer", ErrPrivilegeEscalation, meta.PublicKey)
		}
		if meta.IsWritable && !info.IsWritable {
			return fmt.Errorf("%w: %s is not writable", ErrPrivilegeEscalation, meta.PublicKey)
		}
		callee = append(callee, &AccountInfo{
			Key:        info.Key,
			Owner:      info.Owner,
			Lamports:   info.Lamports,
			Data:       info.Data,
			Executable: info.Executable,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}

	// the caller's own edits are checked before the callee can touch them
	if err := c.verify(); err != nil {
		return err
	}

	callErr := c.call(ix.ProgramID(), callee, data)

	for _, updated := range callee {
		for _, account := range c.accounts {
			if account.Key.Equals(updated.Key) {
				account.Owner = updated.Owner
				account.Lamports = updated.Lamports
			}
		}
	}
	c.rebase()
	return callErr
}

func (c *InvokeContext) call(programID solana.PublicKey, accounts []*AccountInfo, data []byte) error {
	if len(c.stack) >= MaxInvokeDepth {
		return fmt.Errorf("%w: %d", ErrCallDepth, MaxInvokeDepth)
	}
	program, ok := c.rt.programs[programID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, programID)
	}
	if reenters(c.stack, programID) {
		return fmt.Errorf("%w: %s", ErrReentrancy, programID)
	}

	callee := &InvokeContext{
		ctx:      c.ctx,
		rt:       c.rt,
		stack:    append(slices.Clone(c.stack), programID),
		accounts: accounts,
		logs:     c.logs,
	}
	callee.rebase()

	callee.Logf("Program %s invoke [%d]", programID, callee.Depth())
	if err := program.Process(callee, accounts, data); err != nil {
		callee.Logf("Program %s failed: %v", programID, err)
		return err
	}
	if err := callee.verify(); err != nil {
		callee.Logf("Program %s failed: %v", programID, err)
		return err
	}
	callee.Logf("Program %s success", programID)
	return nil
}

// lookup resolves a key to the calling program's own account info, so a
// forged AccountInfo cannot carry privileges into an invocation.
func (c *InvokeContext) lookup(key solana.PublicKey) *AccountInfo {
	for _, own := range c.accounts {
		if own.Key.Equals(key) {
			return own
		}
	}
	return nil
}

func (c *InvokeContext) rebase() {
	c.baseline = make([]accountSnapshot, len(c.accounts))
	for i, account := range c.accounts {
		c.baseline[i] = accountSnapshot{
			owner:    account.Owner,
			lamports: account.Lamports,
			data:     bytes.Clone(account.Data),
		}
	}
}

// verify checks the edits this program made since its baseline.
func (c *InvokeContext) verify() error {
	programID := c.ProgramID()
	for i, account := range c.accounts {
		base := c.baseline[i]
		changed := !bytes.Equal(base.data, account.Data) ||
			base.lamports != account.Lamports ||
			!base.owner.Equals(account.Owner)
		if !changed {
			continue
		}
		if len(base.data) != len(account.Data) {
			return fmt.Errorf("%w: %s", ErrAccountDataSizeChanged, account.Key)
		}
		if !account.IsWritable {
			return fmt.Errorf("%w: %s", ErrReadonlyDataModified, account.Key)
		}
		if !base.owner.Equals(programID) {
			return fmt.Errorf("%w: %s is owned by %s", ErrExternalAccountDataModified, account.Key, base.owner)
		}
	}
	return nil
}

// reenters reports whether calling programID would re-enter a program that
// is already executing. Direct self-recursion is allowed.
func reenters(stack []solana.PublicKey, programID solana.PublicKey) bool {
	if len(stack) == 0 {
		return false
	}
	if stack[len(stack)-1].Equals(programID) {
		return false
	}
	return slices.Contains(stack, programID)
}
