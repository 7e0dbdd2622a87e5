package constitution

import (
	"strings"

	xerrors "Agora-Governance/internal/errors"
)

// CodeConstitutionBlocked 表示操作违反了 block 级原则。
const CodeConstitutionBlocked xerrors.Code = "CONSTITUTION_BLOCKED"

// ErrBlocked 用于 errors.Is 判断。
var ErrBlocked = xerrors.New(CodeConstitutionBlocked, "action blocked by constitution")

func init() {
	xerrors.Register(CodeConstitutionBlocked, xerrors.Attributes{
		Message:   "action blocked by constitution",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// BlockedError 携带完整裁决，调用方需修改操作后重新提交。
type BlockedError struct {
	Verdict Verdict
	coded   *xerrors.Error
}

// NewBlockedError 基于裁决构造错误。
func NewBlockedError(verdict Verdict) *BlockedError {
	blocking := verdict.Blocking()
	return &BlockedError{
		Verdict: verdict.Clone(),
		coded: xerrors.New(CodeConstitutionBlocked, "action blocked by constitution: "+strings.Join(blocking, ", "),
			xerrors.WithMetadata("violated", strings.Join(verdict.ViolatedPrinciples, ","))),
	}
}

func (e *BlockedError) Error() string {
	if e == nil || e.coded == nil {
		return ErrBlocked.Error()
	}
	return e.coded.Error()
}

// Unwrap 返回统一错误类型，使 xerrors.CodeOf 与 errors.Is 可用。
func (e *BlockedError) Unwrap() error {
	if e == nil || e.coded == nil {
		return ErrBlocked
	}
	return e.coded
}
