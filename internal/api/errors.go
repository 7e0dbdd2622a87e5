package api

import (
	"errors"
	"net/http"

	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	"Agora-Governance/internal/dispatch"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/task"
)

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:          http.StatusBadRequest,
	task.CodeTaskValidation:              http.StatusBadRequest,
	xerrors.CodeUnauthenticated:          http.StatusUnauthorized,
	xerrors.CodePermissionDenied:         http.StatusForbidden,
	constitution.CodeConstitutionBlocked: http.StatusForbidden,
	xerrors.CodeNotFound:                 http.StatusNotFound,
	task.CodeTaskNotFound:                http.StatusNotFound,
	council.CodeProposalNotFound:         http.StatusNotFound,
	xerrors.CodeConflict:                 http.StatusConflict,
	xerrors.CodeAlreadyCompleted:         http.StatusConflict,
	council.CodeProposalClosed:           http.StatusConflict,
	council.CodeCouncilRejected:          http.StatusConflict,
	xerrors.CodeCancelled:                http.StatusServiceUnavailable,
	xerrors.CodeRateLimited:              http.StatusTooManyRequests,
	dispatch.CodeNoAgentAvailable:        http.StatusServiceUnavailable,
	task.CodeQueueCapacityExceeded:       http.StatusServiceUnavailable,
	council.CodeCouncilTimeout:           http.StatusGatewayTimeout,
	xerrors.CodeTimeout:                  http.StatusGatewayTimeout,
	xerrors.CodeInitializationFailure:    http.StatusServiceUnavailable,
}

// errorBody 是所有错误响应的结构。
type errorBody struct {
	Code      xerrors.Code          `json:"code"`
	Message   string                `json:"message"`
	Retryable bool                  `json:"retryable,omitempty"`
	Metadata  map[string]string     `json:"metadata,omitempty"`
	Verdict   *constitution.Verdict `json:"verdict,omitempty"`
}

// StatusFor 把错误码映射为 HTTP 状态码，未知错误按 500 处理。
func StatusFor(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		body.Retryable = coded.Retryable()
		body.Metadata = coded.Metadata()
	}
	var blocked *constitution.BlockedError
	if errors.As(err, &blocked) {
		verdict := blocked.Verdict.Clone()
		body.Verdict = &verdict
	}
	writeJSON(w, StatusFor(body.Code), body)
}
