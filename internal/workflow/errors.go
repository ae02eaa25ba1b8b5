package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to pick a response.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindBusinessRule
	KindNotFound
	KindForbidden
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Error is returned by every engine operation. Two errors match under
// errors.Is when their codes are equal, so the sentinels below can be
// compared against errors carrying a more specific message.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	// Holder names the current lock holder on already_locked.
	Holder string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind != KindInfrastructure {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrValidation        = &Error{Kind: KindValidation, Code: "validation", Msg: "invalid input"}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: "not_found", Msg: "not found"}
	ErrForbidden         = &Error{Kind: KindForbidden, Code: "forbidden", Msg: "operation not permitted for this role"}
	ErrInternal          = &Error{Kind: KindInfrastructure, Code: "internal", Msg: "internal error"}
	ErrCapacityExceeded  = &Error{Kind: KindBusinessRule, Code: "capacity_exceeded", Msg: "project manager is at capacity"}
	ErrPmNotAssigned     = &Error{Kind: KindBusinessRule, Code: "pm_not_assigned", Msg: "a project manager must be assigned before approval"}
	ErrAlreadyLocked     = &Error{Kind: KindBusinessRule, Code: "already_locked", Msg: "task is locked by another developer"}
	ErrNotLockHolder     = &Error{Kind: KindBusinessRule, Code: "not_lock_holder", Msg: "only the lock holder may change this task"}
	ErrIncompleteWork    = &Error{Kind: KindBusinessRule, Code: "incomplete_work", Msg: "project still has unfinished tasks"}
	ErrInvalidParent     = &Error{Kind: KindBusinessRule, Code: "invalid_parent", Msg: "invalid parent task"}
	ErrInvalidTransition = &Error{Kind: KindBusinessRule, Code: "invalid_transition", Msg: "transition not allowed from current status"}
	ErrTaskDone          = &Error{Kind: KindBusinessRule, Code: "task_done", Msg: "task is already done"}
	ErrDerivedStatus     = &Error{Kind: KindBusinessRule, Code: "derived_status", Msg: "milestone status is derived from its subtasks"}
	ErrProjectInactive   = &Error{Kind: KindBusinessRule, Code: "project_inactive", Msg: "project is not active"}
)

func invalid(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: ErrValidation.Code, Msg: fmt.Sprintf(format, args...)}
}

func notFound(what string, id int64) error {
	return &Error{Kind: KindNotFound, Code: ErrNotFound.Code, Msg: fmt.Sprintf("%s %d not found", what, id)}
}

func forbidden(op string, role Role) error {
	return &Error{Kind: KindForbidden, Code: ErrForbidden.Code, Msg: fmt.Sprintf("role %q may not %s", role, op)}
}

func transition(from ProposalStatus, op string) error {
	return &Error{Kind: KindBusinessRule, Code: ErrInvalidTransition.Code, Msg: fmt.Sprintf("cannot %s a %s proposal", op, from)}
}

func alreadyLocked(holder string) error {
	return &Error{
		Kind:   KindBusinessRule,
		Code:   ErrAlreadyLocked.Code,
		Msg:    fmt.Sprintf("task is locked by %s", holder),
		Holder: holder,
	}
}

// infra wraps a storage or network failure. The cause stays reachable through
// Unwrap for logging but never shows up in Error().
func infra(op string, err error) error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	return &Error{Kind: KindInfrastructure, Code: ErrInternal.Code, Msg: ErrInternal.Msg, Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf returns the Kind of err, treating unknown errors as infrastructure.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInfrastructure
}
